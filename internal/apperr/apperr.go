// Package apperr defines the error taxonomy shared by all subsystems.
// Every service boundary returns an *Error carrying a Kind; the HTTP
// layer maps kinds to status codes and keeps internal detail out of
// user-visible responses.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for boundary handling.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindAuth        Kind = "auth_error"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindRiskDenied  Kind = "risk_denied"
	KindBreakerOpen Kind = "breaker_open"
	KindUpstream    Kind = "upstream_error"
	KindTimeout     Kind = "timeout"
	KindVault       Kind = "vault_error"
	KindInternal    Kind = "internal"
)

// Error is the canonical error type crossing subsystem boundaries.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]interface{}
	RetryAfter time.Duration

	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates an Error of the given kind with a user-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// WithDetail attaches a structured detail field and returns the error
// for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter records a retry hint, surfaced as the Retry-After
// header for breaker rejections.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from any error. Unclassified errors report
// KindInternal so unknown failures never leak detail to callers.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its
// chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError returns the *Error in the chain, or wraps err as an
// internal error when none exists.
func AsError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInternal, "internal error", err)
}
