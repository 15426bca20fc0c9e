package schema

import (
	"errors"
	"fmt"
)

// ErrorClass partitions provider failures for retry decisions.
type ErrorClass int

const (
	// ErrTransient covers rate limits, 5xx, and network-level failures.
	ErrTransient ErrorClass = iota
	// ErrPermanent covers non-retryable 4xx responses.
	ErrPermanent
	// ErrAuth covers 401/403 credential failures.
	ErrAuth
	// ErrOverloaded covers provider-declared overload, including mid-stream
	// payloads that surface with a non-error HTTP status.
	ErrOverloaded
)

func (c ErrorClass) String() string {
	switch c {
	case ErrTransient:
		return "transient"
	case ErrPermanent:
		return "permanent"
	case ErrAuth:
		return "auth"
	case ErrOverloaded:
		return "overloaded"
	}
	return "unknown"
}

// ProviderError is a classified provider or embedder failure.
type ProviderError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, status %d): %s", e.Class, e.StatusCode, e.Message)
}

// NewProviderError constructs a classified provider error.
func NewProviderError(class ErrorClass, status int, message string) *ProviderError {
	return &ProviderError{Class: class, StatusCode: status, Message: message}
}

// ClassOf extracts the error class, defaulting to ErrTransient for plain
// network-level errors that carry no classification.
func ClassOf(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ErrTransient
}

// IsRetryable reports whether the agentic loop should retry the call.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrTransient, ErrOverloaded:
		return true
	}
	return false
}
