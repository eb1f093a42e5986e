// Package redelivery retries dead letters kept by the fallback store.
package redelivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/repository"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/retry"
)

// updateTimeout bounds persisting a dead letter's outcome. Updates run
// detached from the poll context so a shutdown mid-batch still records them.
const updateTimeout = 5 * time.Second

// Sender delivers one submission. Implemented by *delivery.Service.
type Sender interface {
	SendMessage(ctx context.Context, sub domain.Submission) domain.DeliveryResult
}

// Config holds configuration for the redelivery poller.
type Config struct {
	// PollInterval is how often to look for due dead letters (default: 30s)
	PollInterval time.Duration
	// BatchSize is the maximum number of dead letters claimed per poll (default: 10)
	BatchSize int
	// Schedule spaces redelivery attempts across polls.
	Schedule retry.Policy
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    10,
		Schedule: retry.Policy{
			MaxRetries: 0,
			BaseDelay:  time.Minute,
			MaxDelay:   time.Hour,
			Multiplier: 2,
		},
	}
}

// Poller claims due dead letters and resends them. Claims use
// FOR UPDATE SKIP LOCKED, so several pollers may run against one database.
type Poller struct {
	config  Config
	repo    repository.DeadLetterRepository
	sender  Sender
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewPoller(repo repository.DeadLetterRepository, sender Sender, config Config, clk clock.Clock, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Schedule.BaseDelay <= 0 {
		config.Schedule = def.Schedule
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		config: config,
		repo:   repo,
		sender: sender,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (p *Poller) WithMetrics(m *observability.Metrics) *Poller {
	p.metrics = m
	return p
}

// Start polls until Stop is called or ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	defer close(p.doneCh)

	p.logger.Info("redelivery poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("redelivery poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("redelivery poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Stop signals the poller and waits for the current batch to finish.
// It must only be called after Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Poll claims and processes one batch. It returns the number processed.
func (p *Poller) Poll(ctx context.Context) int {
	due, err := p.repo.ClaimDue(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim dead letters", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	var delivered, retrying, failed int
	for i, dl := range due {
		if ctx.Err() != nil {
			p.release(ctx, due[i:])
			break
		}
		switch p.process(ctx, dl) {
		case domain.DeadLetterStatusDelivered:
			delivered++
		case domain.DeadLetterStatusRetrying:
			retrying++
		default:
			failed++
		}
	}

	processed := delivered + retrying + failed
	p.logger.Info("redelivery batch processed",
		"claimed", len(due),
		"processed", processed,
		"released", len(due)-processed,
		"delivered", delivered,
		"retrying", retrying,
		"failed", failed,
	)
	return processed
}

// release hands claimed but unsent dead letters back to the queue.
func (p *Poller) release(ctx context.Context, pending []*domain.DeadLetter) {
	now := p.clock.Now()
	for _, dl := range pending {
		dl.Release(now)
		p.update(ctx, dl)
	}
}

// update persists dl. A failed update leaves the row in processing until its
// claim lease expires.
func (p *Poller) update(ctx context.Context, dl *domain.DeadLetter) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
	defer cancel()

	if err := p.repo.UpdateStatus(ctx, dl); err != nil {
		p.logger.Error("failed to update dead letter", "error", err, "dead_letter_id", dl.ID, "status", dl.Status)
	}
}

func (p *Poller) process(ctx context.Context, dl *domain.DeadLetter) domain.DeadLetterStatus {
	res := p.sender.SendMessage(ctx, dl.Submission)
	now := p.clock.Now()

	switch {
	case res.Success:
		dl.MarkAsDelivered(now)
	case retryable(res) && dl.Attempts+1 < dl.MaxAttempts:
		next := p.config.Schedule.NextAttemptTime(now, dl.Attempts-1)
		dl.MarkAsRetrying(now, next, res.ErrorCode, res.ErrorMessage)
	default:
		dl.MarkAsFailed(now, res.ErrorCode, res.ErrorMessage)
	}

	p.update(ctx, dl)

	p.logger.Debug("dead letter processed",
		"dead_letter_id", dl.ID,
		"status", dl.Status,
		"attempts", dl.Attempts,
		"error_code", res.ErrorCode,
	)
	if p.metrics != nil {
		p.metrics.Redeliveries.WithLabelValues(string(dl.Status)).Inc()
	}
	return dl.Status
}

// retryable failures are worth another poll cycle. Missing configuration is
// included since it is fixed by redeploying, not by changing the message.
func retryable(res domain.DeliveryResult) bool {
	return res.Transient() || res.ErrorCode == domain.CodeConfigurationMissing
}
