package telegram

import (
	"fmt"
	"net/http"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

// APIError is a rejection reported by the Bot API in its response envelope.
type APIError struct {
	StatusCode  int
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	code := e.Code
	if code == 0 {
		code = e.StatusCode
	}
	return fmt.Sprintf("telegram api error %d: %s", code, e.Description)
}

// Classification treats malformed requests, bad credentials and unknown chats
// as terminal. Flood control and server errors are retryable.
func (e *APIError) Classification() domain.Classification {
	code := e.Code
	if code == 0 {
		code = e.StatusCode
	}
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return domain.Terminal
	default:
		return domain.Retryable
	}
}

// RetryDelay is the wait the provider asked for, zero if none.
func (e *APIError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// HTTPError is a non-2xx response without a Bot API envelope, typically a
// proxy or gateway page in front of the provider.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("telegram http error %d: %s", e.StatusCode, e.Status)
}

// Classification retries gateway failures and throttling. Other statuses
// will not change on retry.
func (e *HTTPError) Classification() domain.Classification {
	switch {
	case e.StatusCode >= 500, e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return domain.Retryable
	default:
		return domain.Terminal
	}
}
