package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

// Operation is one unit of work. It receives the executor's context and must
// honour its cancellation.
type Operation[T any] func(ctx context.Context) (T, error)

// Outcome reports what an execution cost. Attempts and TotalDelay are filled
// in on failure as well.
type Outcome[T any] struct {
	Value      T
	Attempts   int
	TotalDelay time.Duration
}

// DelayHinter is implemented by errors that carry a server-requested wait
// before the next attempt, such as a flood-control retry_after.
type DelayHinter interface {
	RetryDelay() time.Duration
}

// Executor runs operations under a retry policy. It holds no per-call state
// and is safe for concurrent use.
type Executor struct {
	policy   Policy
	classify Classifier
	clock    clock.Clock
	logger   *slog.Logger
	notify   func(attempt int, err error, delay time.Duration)
}

type Option func(*Executor)

// WithClassifier replaces Classify.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

// WithClock makes backoff sleeps go through the given clock.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithNotify registers a callback invoked before each backoff sleep.
func WithNotify(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(e *Executor) { e.notify = fn }
}

func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy,
		classify: Classify,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute invokes op until it succeeds, fails with a terminal error, or the
// policy runs out of retries. The last failure is returned unchanged.
//
// A failure implementing DelayHinter waits at least the hinted delay before
// the next attempt. A hint longer than the policy's MaxDelay ends retrying.
func Execute[T any](ctx context.Context, e *Executor, op Operation[T]) (Outcome[T], error) {
	var out Outcome[T]
	b := &hintedBackOff{BackOff: e.policy.BackOff(), maxDelay: e.policy.MaxDelay}

	attempt := func() (T, error) {
		out.Attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		var hinter DelayHinter
		if errors.As(err, &hinter) {
			b.hint = hinter.RetryDelay()
		}
		if e.classify(err) == domain.Terminal {
			e.logger.Debug("terminal failure, not retrying",
				"attempt", out.Attempts,
				"error", err,
			)
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		out.TotalDelay += delay
		e.logger.Debug("retryable failure, backing off",
			"attempt", out.Attempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if e.notify != nil {
			e.notify(out.Attempts, err, delay)
		}
	}

	var timer backoff.Timer
	if e.clock != nil {
		timer = &clockTimer{clock: e.clock}
	}

	v, err := backoff.RetryNotifyWithTimerAndData(attempt, backoff.WithContext(b, ctx), notify, timer)
	out.Value = v
	return out, err
}

// hintedBackOff raises the next delay to the last failure's hint.
type hintedBackOff struct {
	backoff.BackOff
	maxDelay time.Duration
	hint     time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop || hint <= next {
		return next
	}
	if hint > b.maxDelay {
		return backoff.Stop
	}
	return hint
}

type clockTimer struct {
	clock clock.Clock
	ch    <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.ch = t.clock.After(d)
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time {
	return t.ch
}
