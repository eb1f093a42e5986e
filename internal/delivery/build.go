package delivery

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/config"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/format"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/resilience"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/retry"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/telegram"
)

const breakerName = "telegram"

// Build assembles a Service talking to the Bot API described by cfg, with
// the retry executor, provider breaker and pacer wired to metrics.
// metrics may be nil.
func Build(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Service {
	httpClient := &http.Client{
		Timeout: cfg.Provider.SendTimeout + 5*time.Second,
	}
	client := telegram.NewClient(cfg.Delivery.APIBaseURL, cfg.Delivery.BotToken, httpClient)

	executor := retry.NewExecutor(cfg.Retry,
		retry.WithLogger(logger),
		retry.WithNotify(func(attempt int, err error, delay time.Duration) {
			if metrics != nil {
				metrics.DeliveryRetries.Inc()
			}
		}),
	)

	// Connection checks back readiness probes: one attempt, no backoff.
	checker := retry.NewExecutor(retry.Policy{
		MaxRetries: 0,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: cfg.Retry.Multiplier,
	}, retry.WithLogger(logger))

	breaker := resilience.NewProviderBreaker(breakerName, resilience.DefaultCircuitBreakerConfig(),
		func(name string, from, to resilience.CircuitBreakerState) {
			logger.Warn("provider circuit breaker state changed",
				"provider", name,
				"from", from,
				"to", to,
			)
			if metrics == nil {
				return
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(observability.CircuitBreakerStateValue(string(to)))
			if to == resilience.CircuitBreakerStateOpen {
				metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		})

	return NewService(cfg.Delivery, client, executor,
		WithTimeouts(cfg.Provider.SendTimeout, cfg.Provider.CheckTimeout),
		WithFormatter(format.NewFormatter(cfg.Location())),
		WithCheckExecutor(checker),
		WithLogger(logger),
		WithMetrics(metrics),
		WithCircuitBreaker(breaker),
		WithPacer(resilience.NewPacer(cfg.Provider.Rate, cfg.Provider.Burst)),
	)
}
