// Package retry provides the retry policy, failure classification and the
// retrying executor used for every provider call.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes exponential backoff without jitter.
//
// The delay before retry k (0-indexed) is min(BaseDelay * Multiplier^k, MaxDelay),
// and at most MaxRetries+1 attempts are made.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}
}

var (
	errNegativeRetries  = errors.New("max_retries must not be negative")
	errNegativeDelay    = errors.New("base_delay must not be negative")
	errMaxBelowBase     = errors.New("max_delay must be greater than or equal to base_delay")
	errMultiplierBelow1 = errors.New("backoff_multiplier must be at least 1")
)

// Validate reports every invalid field at once.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, errNegativeRetries)
	}
	if p.BaseDelay < 0 {
		errs = append(errs, errNegativeDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, errMaxBelowBase)
	}
	if p.Multiplier < 1 {
		errs = append(errs, errMultiplierBelow1)
	}
	return errors.Join(errs...)
}

// Delay returns the wait before retry number attempt (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// NextAttemptTime schedules a deferred attempt, used for dead-letter redelivery
// where retries are spread across poll cycles rather than slept in-process.
func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

// BackOff builds a fresh backoff sequence that yields Delay(0), Delay(1), ...
// and then backoff.Stop after MaxRetries values.
func (p Policy) BackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithMaxRetries(exp, uint64(maxRetries))
}
