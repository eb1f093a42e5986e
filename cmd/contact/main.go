// Contact service: accepts contact-form submissions over HTTP and forwards
// them to the messaging provider. Failed sends go to the configured fallback
// channels (dead-letter store, Kafka, mail).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "go.uber.org/automaxprocs"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/api"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/config"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/delivery"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/fallback"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/kafka"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/repository/postgres"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/resilience"
)

const providerCheckTTL = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !cfg.Delivery.Valid() {
		logger.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set, sends will fail with CONFIGURATION_MISSING")
	}

	metrics := observability.NewMetrics("contact")
	service := delivery.Build(cfg, metrics, logger)

	// Rate limiting
	memLimiter := resilience.NewSlidingWindowLimiter(resilience.SlidingWindowConfig{
		MaxRequests:   cfg.RateLimit.MaxRequests,
		Window:        cfg.RateLimit.Window,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, clock.RealClock{}, logger)
	memLimiter.Start(ctx)
	defer memLimiter.Stop()

	var limiter resilience.RateLimiter = memLimiter
	var redisLimiter *resilience.RedisRateLimiter
	if cfg.RateLimit.Backend == "redis" {
		redisCfg := resilience.DefaultRedisConfig()
		redisCfg.URL = cfg.RateLimit.RedisURL

		client, err := resilience.NewRedisClient(redisCfg)
		if err != nil {
			logger.Error("failed to create redis client", "error", err)
			os.Exit(1)
		}
		redisLimiter = resilience.NewRedisRateLimiter(client, resilience.SlidingWindowConfig{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		}, memLimiter, logger)
		defer redisLimiter.Close()

		if err := redisLimiter.Ping(ctx); err != nil {
			logger.Warn("redis unavailable at startup, using in-memory rate limiting until it recovers", "error", err)
		} else {
			logger.Info("connected to redis")
		}
		limiter = redisLimiter
	}

	// Fallback channels
	var channels []fallback.Channel
	var pool *pgxpool.Pool
	if cfg.Fallback.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.Fallback.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		repo := postgres.NewDeadLetterRepository(pool)
		channels = append(channels, fallback.NewStoreChannel(repo, cfg.Redelivery.MaxAttempts))
	}

	if len(cfg.Fallback.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Fallback.KafkaBrokers,
			Topic:        cfg.Fallback.KafkaTopic,
			BatchTimeout: 10 * time.Millisecond,
		}, logger)
		defer producer.Close()

		channels = append(channels, fallback.NewKafkaChannel(producer))
		logger.Info("kafka fallback enabled", "topic", cfg.Fallback.KafkaTopic)
	}

	if cfg.Fallback.SMTP.Enabled() {
		channels = append(channels, fallback.NewMailChannel(cfg.Fallback.SMTP))
		logger.Info("mail fallback enabled", "host", cfg.Fallback.SMTP.Host)
	}

	dispatcher := fallback.NewDispatcher(channels,
		fallback.WithTimeout(cfg.Fallback.Timeout),
		fallback.WithLogger(logger),
		fallback.WithMetrics(metrics),
	)

	// Health
	checks := map[string]observability.HealthChecker{
		"provider": observability.NewCachedChecker(service.HealthCheck(cfg.Provider.ProbeTimeout), providerCheckTTL),
	}
	if pool != nil {
		checks["database"] = pool
	}
	if redisLimiter != nil {
		checks["redis"] = redisLimiter
	}
	healthHandler := observability.NewHealthHandler(checks)

	handler := api.NewHandler(service, limiter, logger).
		WithMetrics(metrics).
		WithFallback(dispatcher, cfg.Fallback.ContactEmail)

	router := api.NewRouter(api.RouterConfig{
		Handler:        handler,
		HealthHandler:  healthHandler,
		Metrics:        metrics,
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}
