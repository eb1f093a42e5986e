package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

// The provider breaker stops hammering the messaging API once most recent
// calls fail at the transport level.
//
//	[Closed] ---(failure ratio reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(success)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]
//
// Terminal errors (bad token, unknown chat) mean the provider is up and
// answering, so they do not count toward tripping.

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// ProviderBreaker guards calls to a single outbound provider.
type ProviderBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewProviderBreaker builds a breaker named after the provider. onStateChange
// may be nil.
func NewProviderBreaker(name string, config CircuitBreakerConfig, onStateChange func(name string, from, to CircuitBreakerState)) *ProviderBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var c domain.Classified
			return errors.As(err, &c) && c.Classification() == domain.Terminal
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onStateChange != nil {
				onStateChange(name, toState(from), toState(to))
			}
		},
	}
	return &ProviderBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker. When the breaker rejects the call, the
// returned error is a terminal NETWORK_UNREACHABLE so the retry loop stops.
func (b *ProviderBreaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewError(domain.CodeNetworkUnreachable, domain.Terminal, "provider circuit open", err)
	}
	return err
}

// State returns the current breaker state.
func (b *ProviderBreaker) State() CircuitBreakerState {
	return toState(b.cb.State())
}

func (b *ProviderBreaker) Name() string {
	return b.cb.Name()
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitBreakerStateClosed
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
