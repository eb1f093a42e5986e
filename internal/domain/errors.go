// Package domain contains the core business entities and logic.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfigurationMissing indicates the provider credentials are not configured.
	ErrConfigurationMissing = errors.New("delivery configuration missing")
)

// ErrorCode is the machine-readable failure code carried by a DeliveryResult
// and returned to API callers.
type ErrorCode string

const (
	CodeConfigurationMissing ErrorCode = "CONFIGURATION_MISSING"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeNetworkUnreachable   ErrorCode = "NETWORK_UNREACHABLE"
	CodeProviderRejected     ErrorCode = "PROVIDER_REJECTED"
	CodeInternalUnknown      ErrorCode = "INTERNAL_UNKNOWN"
	CodeValidationFailed     ErrorCode = "VALIDATION_FAILED"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
)

// Classification tells the retry executor whether a failure is worth retrying.
type Classification int

const (
	Retryable Classification = iota
	Terminal
)

func (c Classification) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

// Classified is implemented by errors that know their own retry class.
type Classified interface {
	Classification() Classification
}

// Error is a classified failure raised inside the delivery core.
type Error struct {
	Code    ErrorCode
	Message string
	Class   Classification
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Classification() Classification {
	return e.Class
}

// NewError builds a classified error.
func NewError(code ErrorCode, class Classification, message string, err error) *Error {
	return &Error{Code: code, Message: message, Class: class, Err: err}
}
