// Package resilience provides admission control for inbound submissions and
// protection for the outbound messaging provider.
package resilience

import (
	"context"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
}

// RateLimiter admits or denies requests per client identifier.
// Implementations: SlidingWindowLimiter (process-local) and RedisRateLimiter
// (shared across instances, opt-in).
type RateLimiter interface {
	Admit(ctx context.Context, clientID string) (Decision, error)
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults for Redis connection.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}
