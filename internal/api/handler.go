// Package api exposes the contact endpoint. It is the only place where
// delivery results become HTTP responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/fallback"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/observability"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/resilience"
)

const (
	maxBodyBytes = 64 << 10

	ActionCheck = "check"
	ActionSend  = "send"

	unknownClient = "unknown"
)

// DeliveryService is implemented by *delivery.Service.
type DeliveryService interface {
	SendMessage(ctx context.Context, sub domain.Submission) domain.DeliveryResult
	CheckConnection(ctx context.Context) domain.DeliveryResult
}

// Fallback is implemented by *fallback.Dispatcher.
type Fallback interface {
	Enabled() bool
	Dispatch(ctx context.Context, sub domain.Submission, result domain.DeliveryResult) fallback.Report
}

type Handler struct {
	service      DeliveryService
	limiter      resilience.RateLimiter
	fallback     Fallback
	contactEmail string
	logger       *slog.Logger
	metrics      *observability.Metrics
}

func NewHandler(service DeliveryService, limiter resilience.RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		limiter: limiter,
		logger:  logger,
	}
}

func (h *Handler) WithMetrics(m *observability.Metrics) *Handler {
	h.metrics = m
	return h
}

// WithFallback hands failed sends to f. contactEmail, if set, is offered to
// the visitor when no fallback channel kept the message.
func (h *Handler) WithFallback(f Fallback, contactEmail string) *Handler {
	h.fallback = f
	h.contactEmail = contactEmail
	return h
}

type ContactRequest struct {
	Action string             `json:"action"`
	Data   *domain.Submission `json:"data,omitempty"`
}

type Response struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type SendData struct {
	MessageID int64  `json:"messageId"`
	SentAt    string `json:"sentAt"`
	Parts     int    `json:"parts"`
}

type CheckData struct {
	Connected bool   `json:"connected"`
	Bot       string `json:"bot,omitempty"`
}

func (h *Handler) Contact(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context())

	var req ContactRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large", "", "")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON", "", "")
		return
	}

	clientID := ClientID(r)
	ctx := observability.ContextWithClientID(r.Context(), clientID)
	logger = logger.With("client_id", clientID, "action", req.Action)

	decision, err := h.limiter.Admit(ctx, clientID)
	if err != nil {
		logger.Error("rate limiter failed, admitting request", "error", err)
		decision = resilience.Decision{Allowed: true}
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed {
		h.rejectRateLimited(w, logger, decision)
		return
	}

	if h.metrics != nil {
		h.metrics.SubmissionsReceived.WithLabelValues(metricAction(req.Action)).Inc()
	}

	switch req.Action {
	case ActionCheck:
		h.check(ctx, w, logger)
	case ActionSend:
		h.send(ctx, w, logger, req.Data)
	default:
		h.respondError(w, http.StatusBadRequest, "unknown action", `action must be "check" or "send"`, "")
	}
}

func (h *Handler) rejectRateLimited(w http.ResponseWriter, logger *slog.Logger, d resilience.Decision) {
	seconds := int(math.Ceil(d.ResetAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	if h.metrics != nil {
		h.metrics.RateLimiterRejections.Inc()
	}
	logger.Warn("rate limit exceeded", "retry_after_s", seconds)

	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	h.respondJSON(w, http.StatusTooManyRequests, Response{
		Error:      "too many requests",
		Details:    "please try again in " + strconv.Itoa(seconds) + " seconds",
		Code:       string(domain.CodeRateLimited),
		RetryAfter: seconds,
	})
}

func (h *Handler) check(ctx context.Context, w http.ResponseWriter, logger *slog.Logger) {
	res := h.service.CheckConnection(ctx)
	if !res.Success {
		logger.Warn("connection check failed", "error_code", res.ErrorCode)
		h.respondError(w, StatusForCode(res.ErrorCode), "messaging provider is not available", res.ErrorMessage, string(res.ErrorCode))
		return
	}
	h.respondJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    CheckData{Connected: true, Bot: res.Bot},
	})
}

func (h *Handler) send(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, data *domain.Submission) {
	if data == nil {
		h.respondError(w, http.StatusBadRequest, "validation failed", "data is required", string(domain.CodeValidationFailed))
		return
	}

	sub := data.Normalize()
	if err := sub.Validate(); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.respondError(w, http.StatusBadRequest, "validation failed", verr.Error(), string(domain.CodeValidationFailed))
			return
		}
		logger.Error("validation error", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error", "", string(domain.CodeInternalUnknown))
		return
	}

	res := h.service.SendMessage(ctx, sub)
	if res.Success {
		h.respondJSON(w, http.StatusOK, Response{
			Success: true,
			Data: SendData{
				MessageID: res.MessageID,
				SentAt:    res.SentAtRFC3339(),
				Parts:     res.Parts,
			},
		})
		return
	}

	logger.Warn("message delivery failed",
		"error_code", res.ErrorCode,
		"attempts", res.Attempts,
	)

	details := res.ErrorMessage
	switch {
	case h.fallback != nil && h.fallback.Enabled() && h.fallback.Dispatch(context.WithoutCancel(ctx), sub, res).Kept():
		details = "your message was saved and will be delivered as soon as possible"
	case h.contactEmail != "":
		details = "please try again later or write to " + h.contactEmail
	}

	h.respondError(w, StatusForCode(res.ErrorCode), "failed to send message", details, string(res.ErrorCode))
}

// StatusForCode maps a delivery error code to the HTTP status returned.
func StatusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidationFailed:
		return http.StatusBadRequest
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeTimeout, domain.CodeNetworkUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClientID identifies the caller for rate limiting: the first address in
// X-Forwarded-For, else X-Real-IP, else "unknown".
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if id := strings.TrimSpace(first); id != "" {
			return id
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return unknownClient
}

func metricAction(action string) string {
	switch action {
	case ActionCheck, ActionSend:
		return action
	default:
		return "unknown"
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message, details, code string) {
	h.respondJSON(w, status, Response{Error: message, Details: details, Code: code})
}
