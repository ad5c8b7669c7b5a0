package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/apperr"
)

func TestErrorFormatting(t *testing.T) {
	err := WrapError(KindInsufficientFunds, "binance", "insufficient funds", fmt.Errorf("code -2010"))
	assert.Contains(t, err.Error(), "binance")
	assert.Contains(t, err.Error(), "insufficient_funds_error")
	assert.Contains(t, err.Error(), "code -2010")

	bare := NewError(KindAuth, "okx", "credentials rejected")
	assert.Equal(t, "okx: auth_error: credentials rejected", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestKindOf(t *testing.T) {
	direct := NewError(KindRateLimit, "bybit", "rate limited")
	assert.Equal(t, KindRateLimit, KindOf(direct))

	wrapped := fmt.Errorf("placing order: %w", direct)
	assert.Equal(t, KindRateLimit, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("some other error")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorRetryable(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		retryable bool
	}{
		{KindAuth, false},
		{KindRateLimit, true},
		{KindMarketClosed, false},
		{KindInsufficientFunds, false},
		{KindNetwork, true},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := NewError(tt.kind, "binance", "test")
			assert.Equal(t, tt.retryable, err.Retryable())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "classified network error",
			err:       NewError(KindNetwork, "bybit", "venue unavailable"),
			retryable: true,
		},
		{
			name:      "classified rate limit wrapped deeper",
			err:       fmt.Errorf("placing order: %w", NewError(KindRateLimit, "binance", "rate limited")),
			retryable: true,
		},
		{
			name:      "classified auth error",
			err:       NewError(KindAuth, "okx", "credentials rejected"),
			retryable: false,
		},
		{
			name:      "context deadline",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "untyped connection refused",
			err:       fmt.Errorf("connection refused"),
			retryable: true,
		},
		{
			name:      "untyped rate limit message",
			err:       fmt.Errorf("rate limit exceeded - too many requests"),
			retryable: true,
		},
		{
			name:      "untyped validation error",
			err:       fmt.Errorf("invalid parameter: quantity must be positive"),
			retryable: false,
		},
		{
			name:      "untyped generic error",
			err:       fmt.Errorf("some other error"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, Classify("binance", nil))
	})

	t.Run("already classified passes through unchanged", func(t *testing.T) {
		original := NewError(KindInsufficientFunds, "bybit", "insufficient funds")
		classified := Classify("bybit", original)
		assert.Same(t, original, classified)
	})

	t.Run("deadline becomes network timeout", func(t *testing.T) {
		classified := Classify("okx", context.DeadlineExceeded)
		assert.Equal(t, KindNetwork, classified.Kind)
		assert.True(t, classified.Timeout)
		assert.True(t, errors.Is(classified, context.DeadlineExceeded))
	})

	t.Run("net.Error becomes network", func(t *testing.T) {
		var netErr net.Error = &net.DNSError{Err: "no such host", Name: "api.example.com", IsTimeout: true}
		classified := Classify("binance", netErr)
		assert.Equal(t, KindNetwork, classified.Kind)
		assert.True(t, classified.Timeout)
	})

	t.Run("message sniffing", func(t *testing.T) {
		tests := []struct {
			msg  string
			kind ErrorKind
		}{
			{"401 unauthorized", KindAuth},
			{"invalid api key provided", KindAuth},
			{"signature for this request is not valid", KindAuth},
			{"too many requests, slow down", KindRateLimit},
			{"market is closed", KindMarketClosed},
			{"outside of trading hours", KindMarketClosed},
			{"insufficient balance for requested action", KindInsufficientFunds},
			{"dial tcp: connection refused", KindNetwork},
			{"something completely different", KindUnknown},
		}

		for _, tt := range tests {
			classified := Classify("binance", fmt.Errorf("%s", tt.msg))
			assert.Equal(t, tt.kind, classified.Kind, "message %q", tt.msg)
			assert.Equal(t, "binance", classified.Exchange)
		}
	})
}

func TestToAppError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ToAppError(nil))
	})

	t.Run("upstream by default", func(t *testing.T) {
		exErr := NewError(KindInsufficientFunds, "binance", "insufficient funds")
		appErr := ToAppError(exErr)
		require.NotNil(t, appErr)
		assert.Equal(t, apperr.KindUpstream, appErr.Kind)
		assert.Equal(t, "binance", appErr.Details["exchange"])
		assert.Equal(t, "insufficient_funds_error", appErr.Details["exchange_error"])
	})

	t.Run("timeout maps to the timeout kind", func(t *testing.T) {
		exErr := Classify("okx", context.DeadlineExceeded)
		appErr := ToAppError(exErr)
		require.NotNil(t, appErr)
		assert.Equal(t, apperr.KindTimeout, appErr.Kind)
	})

	t.Run("wrapped adapter errors still map", func(t *testing.T) {
		exErr := fmt.Errorf("operation failed after 4 attempts: %w", NewError(KindNetwork, "bybit", "venue unavailable"))
		appErr := ToAppError(exErr)
		require.NotNil(t, appErr)
		assert.Equal(t, apperr.KindUpstream, appErr.Kind)
		assert.Equal(t, "bybit", appErr.Details["exchange"])
	})

	t.Run("unclassified errors fall back to internal", func(t *testing.T) {
		appErr := ToAppError(fmt.Errorf("bug"))
		require.NotNil(t, appErr)
		assert.Equal(t, apperr.KindInternal, appErr.Kind)
	})
}
