// Package delivery turns a contact submission into provider messages and
// reports a uniform DeliveryResult. Every failure, including panics in the
// provider path, is converted to a result; nothing raw crosses the boundary.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/config"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/format"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/resilience"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/retry"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/telegram"
)

const (
	DefaultSendTimeout  = 20 * time.Second
	DefaultCheckTimeout = 15 * time.Second

	timeoutMessage = "service temporarily unavailable"
)

// Provider is the messaging API the service talks to.
type Provider interface {
	SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error)
	GetMe(ctx context.Context) (*telegram.User, error)
}

type Service struct {
	cfg       config.Delivery
	provider  Provider
	executor  *retry.Executor
	checker   *retry.Executor
	formatter format.Formatter
	clock     clock.Clock
	metrics   *observability.Metrics
	logger    *slog.Logger
	breaker   *resilience.ProviderBreaker
	pacer     *resilience.Pacer

	sendTimeout  time.Duration
	checkTimeout time.Duration
}

type Option func(*Service)

// WithTimeouts sets the per-attempt bound for sends and connection checks.
// Non-positive values keep the defaults.
func WithTimeouts(send, check time.Duration) Option {
	return func(s *Service) {
		if send > 0 {
			s.sendTimeout = send
		}
		if check > 0 {
			s.checkTimeout = check
		}
	}
}

func WithFormatter(f format.Formatter) Option {
	return func(s *Service) { s.formatter = f }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithCircuitBreaker(b *resilience.ProviderBreaker) Option {
	return func(s *Service) { s.breaker = b }
}

func WithPacer(p *resilience.Pacer) Option {
	return func(s *Service) { s.pacer = p }
}

// WithCheckExecutor runs connection checks under their own retry policy.
// By default checks share the send executor.
func WithCheckExecutor(e *retry.Executor) Option {
	return func(s *Service) { s.checker = e }
}

func NewService(cfg config.Delivery, provider Provider, executor *retry.Executor, opts ...Option) *Service {
	s := &Service{
		cfg:          cfg,
		provider:     provider,
		executor:     executor,
		formatter:    format.NewFormatter(nil),
		clock:        clock.RealClock{},
		sendTimeout:  DefaultSendTimeout,
		checkTimeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.executor == nil {
		s.executor = retry.NewExecutor(retry.DefaultPolicy())
	}
	if s.checker == nil {
		s.checker = s.executor
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// SendMessage formats sub and delivers it, splitting into several provider
// messages when it exceeds the provider's length limit. The result carries the
// first message id and the number of parts sent.
func (s *Service) SendMessage(ctx context.Context, sub domain.Submission) (result domain.DeliveryResult) {
	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during delivery", "panic", r)
			result = domain.Failed(domain.CodeInternalUnknown, "unexpected delivery error")
		}
		s.record(result, s.clock.Now().Sub(start))
	}()

	if !s.cfg.Valid() {
		s.logger.Error("delivery configuration missing")
		return domain.Failed(domain.CodeConfigurationMissing, "messaging provider is not configured")
	}

	text := s.formatter.Format(sub.Normalize(), s.clock.Now())
	chunks := format.SplitIfTooLong(text, format.MaxMessageLength)

	var (
		first    *telegram.Message
		attempts int
	)
	for i, chunk := range chunks {
		req := telegram.SendMessageRequest{
			ChatID:    s.cfg.ChatID,
			Text:      chunk,
			ParseMode: s.cfg.ParseMode,
		}

		out, err := retry.Execute(ctx, s.executor, attempt(s, s.sendTimeout, func(ctx context.Context) (*telegram.Message, error) {
			return s.provider.SendMessage(ctx, req)
		}))
		attempts += out.Attempts

		if err != nil {
			code, msg := MapError(err)
			s.logger.Warn("delivery failed",
				"error", err,
				"code", code,
				"part", i+1,
				"parts", len(chunks),
				"attempts", out.Attempts,
			)
			res := domain.Failed(code, msg)
			res.Attempts = attempts
			return res
		}
		if first == nil {
			first = out.Value
		}
	}

	res := domain.Succeeded(first.MessageID, first.SentAt())
	res.Parts = len(chunks)
	res.Attempts = attempts

	s.logger.Info("message delivered",
		"message_id", res.MessageID,
		"parts", res.Parts,
		"attempts", res.Attempts,
	)
	return res
}

// CheckConnection verifies the bot credentials against the provider. On
// success the result carries the bot username.
func (s *Service) CheckConnection(ctx context.Context) domain.DeliveryResult {
	if !s.cfg.Valid() {
		return domain.Failed(domain.CodeConfigurationMissing, "messaging provider is not configured")
	}

	out, err := retry.Execute(ctx, s.checker, attempt(s, s.checkTimeout, s.provider.GetMe))
	if err != nil {
		code, msg := MapError(err)
		s.logger.Warn("provider connection check failed", "error", err, "code", code)
		res := domain.Failed(code, msg)
		res.Attempts = out.Attempts
		return res
	}

	return domain.DeliveryResult{
		Success:  true,
		Bot:      out.Value.Username,
		Attempts: out.Attempts,
	}
}

// HealthCheck adapts CheckConnection to a readiness check. Each probe is
// bounded by timeout regardless of the check executor's policy.
func (s *Service) HealthCheck(timeout time.Duration) observability.CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res := s.CheckConnection(ctx)
		if !res.Success {
			return fmt.Errorf("provider unavailable: %s", res.ErrorCode)
		}
		return nil
	}
}

// attempt bounds one provider call by timeout, optionally paced and guarded by
// the breaker. A call that runs out its own deadline while the caller's
// context is still live becomes a retryable TIMEOUT.
func attempt[T any](s *Service, timeout time.Duration, call func(ctx context.Context) (T, error)) retry.Operation[T] {
	return func(ctx context.Context) (T, error) {
		var zero T

		if s.pacer != nil {
			if err := s.pacer.Wait(ctx); err != nil {
				return zero, fmt.Errorf("wait for provider pacing: %w", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var v T
		run := func() error {
			var err error
			v, err = call(attemptCtx)
			return err
		}

		var err error
		if s.breaker != nil {
			err = s.breaker.Do(run)
		} else {
			err = run()
		}
		if err == nil {
			return v, nil
		}

		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, domain.NewError(domain.CodeTimeout, domain.Retryable, timeoutMessage, err)
		}
		return zero, err
	}
}

func (s *Service) record(res domain.DeliveryResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.DeliveryDuration.Observe(elapsed.Seconds())
	if res.Attempts > 0 {
		s.metrics.DeliveryAttempts.Observe(float64(res.Attempts))
	}
	if res.Success {
		s.metrics.DeliveriesTotal.WithLabelValues("success", "").Inc()
		return
	}
	s.metrics.DeliveriesTotal.WithLabelValues("failure", string(res.ErrorCode)).Inc()
}

// MapError converts a delivery failure into the code and message returned to
// callers. Raw transport details never appear in the message.
func MapError(err error) (domain.ErrorCode, string) {
	if err == nil {
		return "", ""
	}

	var derr *domain.Error
	if errors.As(err, &derr) {
		switch derr.Code {
		case domain.CodeTimeout:
			return domain.CodeTimeout, timeoutMessage
		case domain.CodeNetworkUnreachable:
			return domain.CodeNetworkUnreachable, "messaging provider is unreachable"
		default:
			return derr.Code, derr.Message
		}
	}

	var httpErr *telegram.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return domain.CodeNetworkUnreachable, "messaging provider is unreachable"
		}
		return domain.CodeInternalUnknown, fmt.Sprintf("unexpected provider response (%d)", httpErr.StatusCode)
	}

	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if code == 0 {
			code = apiErr.StatusCode
		}
		return domain.CodeProviderRejected, fmt.Sprintf("provider rejected the message (%d): %s", code, apiErr.Description)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CodeTimeout, timeoutMessage
	}

	if isNetworkError(err) {
		return domain.CodeNetworkUnreachable, "messaging provider is unreachable"
	}

	if errors.Is(err, context.Canceled) {
		return domain.CodeInternalUnknown, "delivery was cancelled"
	}

	return domain.CodeInternalUnknown, "unexpected delivery error"
}

func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
