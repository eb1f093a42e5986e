package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer smooths outbound provider calls to a steady rate so bursts of
// submissions do not trip the provider's own flood control.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a pacer allowing perSecond calls with the given burst.
// A non-positive rate disables pacing.
func NewPacer(perSecond float64, burst int) *Pacer {
	if perSecond <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the next call may proceed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
