package contract

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCategory classifies a request-level failure. Categories decide retry
// behavior and DLQ placement; they are also the error_class telemetry label.
type ErrorCategory string

const (
	ErrValidation        ErrorCategory = "validation_error"
	ErrPolicyViolation   ErrorCategory = "policy_violation"
	ErrTimeout           ErrorCategory = "timeout"
	ErrDownstreamFailure ErrorCategory = "downstream_failure"
	ErrCircuitOpen       ErrorCategory = "circuit_open"
	ErrOverload          ErrorCategory = "overload"
	ErrRetryExhausted    ErrorCategory = "retry_exhausted"
	ErrUnknown           ErrorCategory = "unknown"
)

// Retriable reports whether the reliability fabric may retry a failure of
// this category. Validation and policy failures are reported, never retried;
// overload is pushed back to the caller; retry_exhausted is terminal.
func (c ErrorCategory) Retriable() bool {
	switch c {
	case ErrTimeout, ErrDownstreamFailure, ErrCircuitOpen:
		return true
	}
	return false
}

// Terminal reports whether the category ends the request (DLQ territory).
func (c ErrorCategory) Terminal() bool {
	return c == ErrRetryExhausted
}

// CategorizedError pairs an error with its category so classification
// survives wrapping across package boundaries.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Categorized wraps err with an explicit category.
func Categorized(cat ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: cat, Err: err}
}

// Categorize extracts the category from err, classifying common transport
// failures when no explicit category was attached.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrTimeout
		}
		return ErrDownstreamFailure
	}
	return ErrUnknown
}

// ValidationError reports a malformed envelope or field. Validation errors
// are returned to the connector and never retried by the core.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation_error: %s: %s", e.Field, e.Reason)
}
