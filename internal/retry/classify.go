package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

// Classifier decides whether a failure should be retried.
type Classifier func(err error) domain.Classification

var terminalSignatures = []string{
	"unauthorized",
	"forbidden",
	"bad request",
	"not found",
	"validation",
}

var retryableSignatures = []string{
	"timeout",
	"timed out",
	"network",
	"connection refused",
	"connection reset",
	"econnrefused",
	"enotfound",
	"fetch failed",
}

// Classify inspects structured error information first and only falls back to
// message heuristics for opaque errors. Unknown failures are retryable.
func Classify(err error) domain.Classification {
	if err == nil {
		return domain.Retryable
	}

	var classified domain.Classified
	if errors.As(err, &classified) {
		return classified.Classification()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return domain.Terminal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return domain.Retryable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.Retryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range terminalSignatures {
		if strings.Contains(msg, sig) {
			return domain.Terminal
		}
	}
	for _, sig := range retryableSignatures {
		if strings.Contains(msg, sig) {
			return domain.Retryable
		}
	}

	return domain.Retryable
}
