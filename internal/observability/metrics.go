// Package observability provides Prometheus metrics, health checks, and logging.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the contact service.
//
// Key metrics for monitoring:
//   - submissions_received_total: inbound submissions by action
//   - deliveries_total: delivery outcomes by status and error code
//   - delivery_duration_seconds: end-to-end latency including retries
//   - rate_limiter_rejections_total: clients hitting the window limit
//   - fallback_deliveries_total: what happened when the primary channel failed
//   - circuit_breaker_state: provider health (0=ok, 2=failing)
type Metrics struct {
	SubmissionsReceived *prometheus.CounterVec
	DeliveriesTotal     *prometheus.CounterVec
	DeliveryDuration    prometheus.Histogram
	DeliveryAttempts    prometheus.Histogram
	DeliveryRetries     prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections prometheus.Counter

	FallbackDeliveries *prometheus.CounterVec
	Redeliveries       *prometheus.CounterVec
}

// NewMetrics registers all metrics on the default registry.
// The namespace prefixes all metric names (e.g., "contact_deliveries_total").
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all metrics on reg.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_received_total",
			Help:      "Total number of contact requests received by action",
		}, []string{"action"}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of delivery outcomes by status and error code",
		}, []string{"status", "code"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a delivery including retries in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		DeliveryAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Number of provider calls made per delivery",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of provider calls retried after a transient failure",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),
		CircuitBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"provider"}),
		RateLimiterRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of requests rejected by rate limiter",
		}),

		FallbackDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_deliveries_total",
			Help:      "Total number of fallback channel deliveries by channel and status",
		}, []string{"channel", "status"}),
		Redeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Total number of dead letter redelivery outcomes by status",
		}, []string{"status"}),
	}
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
