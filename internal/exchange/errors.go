package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/neontrader/backend/internal/apperr"
)

// ErrorKind classifies adapter failures into the taxonomy shared by
// every venue. Callers branch on kind, never on upstream error text.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth_error"
	KindRateLimit         ErrorKind = "rate_limit_error"
	KindMarketClosed      ErrorKind = "market_closed_error"
	KindInsufficientFunds ErrorKind = "insufficient_funds_error"
	KindNetwork           ErrorKind = "network_error"
	KindUnknown           ErrorKind = "unknown_error"
)

// Error is the canonical adapter error. Every venue translates its
// upstream failure modes into one of these before returning. Messages
// never contain credentials.
type Error struct {
	Kind     ErrorKind
	Exchange string
	Message  string
	Timeout  bool // deadline expiry; always KindNetwork

	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Exchange, e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s: %s", e.Exchange, e.Kind, e.Message)
}

// Unwrap exposes the upstream cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Retryable reports whether the failure is transient. Rate limits and
// network faults clear on their own; auth, funds and market-hours
// rejections never do.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

// NewError creates an adapter error with no upstream cause.
func NewError(kind ErrorKind, exchangeName, message string) *Error {
	return &Error{Kind: kind, Exchange: exchangeName, Message: message}
}

// WrapError creates an adapter error around an upstream cause.
func WrapError(kind ErrorKind, exchangeName, message string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchangeName, Message: message, wrapped: err}
}

// KindOf extracts the kind from any error chain. Unclassified errors
// report KindUnknown.
func KindOf(err error) ErrorKind {
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether an operation that failed with err is
// worth retrying. Classified errors answer from their kind; untyped
// transport errors are sniffed the way upstream clients report
// transient faults.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryableMarkers := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"rate limit",
		"too many requests",
		"temporarily",
		"unexpected eof",
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify wraps an untyped upstream error into the taxonomy. Venue
// adapters call this for transport-level failures their client
// libraries report without structure; venue-specific response codes
// are translated before reaching here.
func Classify(exchangeName string, err error) *Error {
	if err == nil {
		return nil
	}

	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		e := WrapError(KindNetwork, exchangeName, "request timed out", err)
		e.Timeout = true
		return e
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		e := WrapError(KindNetwork, exchangeName, "network failure", err)
		e.Timeout = netErr.Timeout()
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "invalid api", "api-key", "api key", "signature", "permission denied", "forbidden"):
		return WrapError(KindAuth, exchangeName, "credentials rejected", err)
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return WrapError(KindRateLimit, exchangeName, "rate limited", err)
	case containsAny(msg, "market closed", "market_closed", "market is closed", "trading hours", "not currently trading"):
		return WrapError(KindMarketClosed, exchangeName, "market closed", err)
	case containsAny(msg, "insufficient"):
		return WrapError(KindInsufficientFunds, exchangeName, "insufficient funds", err)
	case containsAny(msg, "timeout", "deadline", "connection", "unexpected eof", "network", "no such host"):
		return WrapError(KindNetwork, exchangeName, "network failure", err)
	default:
		return WrapError(KindUnknown, exchangeName, "unexpected exchange failure", err)
	}
}

// ToAppError maps an adapter error onto the boundary taxonomy.
// Everything a venue does wrong is an upstream failure from the
// API's point of view; timeouts are distinguished so the HTTP layer
// can answer 504 instead of 502. The venue and adapter kind travel in
// the structured details.
func ToAppError(err error) *apperr.Error {
	if err == nil {
		return nil
	}

	var exErr *Error
	if !errors.As(err, &exErr) {
		return apperr.AsError(err)
	}

	kind := apperr.KindUpstream
	if exErr.Timeout {
		kind = apperr.KindTimeout
	}
	return apperr.Wrap(kind, "exchange request failed", err).
		WithDetail("exchange", exErr.Exchange).
		WithDetail("exchange_error", string(exErr.Kind))
}

func containsAny(s string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
