// Package fallback keeps a submission from being lost when the primary
// messaging provider cannot be reached. Each configured channel receives the
// failed submission; any one accepting it is enough.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
)

// Notice is what a channel receives for one failed delivery. ID is shared by
// every channel so downstream records can be correlated.
type Notice struct {
	ID         string
	Submission domain.Submission
	Result     domain.DeliveryResult
	OccurredAt time.Time
}

type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notice) error
}

// Report summarises a dispatch. Err joins every channel failure.
type Report struct {
	ID       string
	Accepted []string
	Err      error
}

// Kept reports whether at least one channel took the submission.
func (r Report) Kept() bool {
	return len(r.Accepted) > 0
}

type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	newID    func() string
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithIDGenerator replaces the uuid-based notice id.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

func NewDispatcher(channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		timeout:  10 * time.Second,
		clock:    clock.RealClock{},
		newID:    func() string { return "dl_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d
}

// Enabled reports whether any channel is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.channels) > 0
}

// Dispatch hands a failed delivery to every channel in order. The whole
// dispatch is bounded by the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, sub domain.Submission, result domain.DeliveryResult) Report {
	n := Notice{
		ID:         d.newID(),
		Submission: sub.Normalize(),
		Result:     result,
		OccurredAt: d.clock.Now(),
	}
	report := Report{ID: n.ID}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var errs []error
	for _, ch := range d.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			d.logger.Error("fallback channel failed",
				"channel", ch.Name(),
				"notice_id", n.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			d.record(ch.Name(), "failure")
			continue
		}
		d.logger.Info("submission kept by fallback channel",
			"channel", ch.Name(),
			"notice_id", n.ID,
			"error_code", result.ErrorCode,
		)
		report.Accepted = append(report.Accepted, ch.Name())
		d.record(ch.Name(), "success")
	}

	report.Err = errors.Join(errs...)
	return report
}

func (d *Dispatcher) record(channel, status string) {
	if d.metrics != nil {
		d.metrics.FallbackDeliveries.WithLabelValues(channel, status).Inc()
	}
}
