// Redelivery worker: polls the dead-letter store and resends contact messages
// that could not be delivered at submission time. Several instances may run
// against one database; claims skip rows locked by another worker.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/config"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/delivery"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/redelivery"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/repository/postgres"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/retry"
)

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

	if cfg.Fallback.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Fallback.DatabaseURL)
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

	metrics := observability.NewMetrics("contact_redelivery")
	service := delivery.Build(cfg, metrics, logger)
	repo := postgres.NewDeadLetterRepository(pool)

	poller := redelivery.NewPoller(repo, service, redelivery.Config{
		PollInterval: cfg.Redelivery.PollInterval,
		BatchSize:    cfg.Redelivery.BatchSize,
		Schedule: retry.Policy{
			BaseDelay:  cfg.Redelivery.BaseDelay,
			MaxDelay:   cfg.Redelivery.MaxDelay,
			Multiplier: 2,
		},
	}, clock.RealClock{}, logger).WithMetrics(metrics)

	go poller.Start(ctx)

	healthHandler := observability.NewHealthHandler(map[string]observability.HealthChecker{
		"database": pool,
	})
	healthHandler.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/ready", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         cfg.Redelivery.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting health server", "addr", cfg.Redelivery.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	poller.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown health server", "error", err)
	}

	logger.Info("shutdown complete")
}
