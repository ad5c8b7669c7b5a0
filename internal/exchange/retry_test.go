package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, config.InitialBackoff)
	assert.Equal(t, 5*time.Second, config.MaxBackoff)
	assert.Equal(t, 2.0, config.BackoffFactor)
}

func TestWithRetry_Success(t *testing.T) {
	ctx := context.Background()
	config := DefaultRetryConfig()

	attempts := 0
	operation := func() error {
		attempts++
		return nil
	}

	err := WithRetry(ctx, config, operation)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "Should succeed on first attempt")
}

func TestWithRetry_RetryableErrorEventualSuccess(t *testing.T) {
	ctx := context.Background()
	config := RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	attempts := 0
	operation := func() error {
		attempts++
		if attempts < 3 {
			return NewError(KindNetwork, "binance", "venue unavailable")
		}
		return nil
	}

	startTime := time.Now()
	err := WithRetry(ctx, config, operation)
	duration := time.Since(startTime)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "Should succeed on third attempt")
	// Jittered waits land in [backoff/2, backoff]: at least 5ms + 10ms.
	assert.Greater(t, duration, 15*time.Millisecond, "Should have backoff delays")
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	ctx := context.Background()
	config := DefaultRetryConfig()

	attempts := 0
	expectedErr := NewError(KindAuth, "binance", "credentials rejected")
	operation := func() error {
		attempts++
		return expectedErr
	}

	err := WithRetry(ctx, config, operation)
	require.Error(t, err)
	assert.Equal(t, expectedErr, err, "Should return the same error")
	assert.Equal(t, 1, attempts, "Should not retry non-retryable errors")
}

func TestWithRetry_MaxRetriesExceeded(t *testing.T) {
	ctx := context.Background()
	config := RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	attempts := 0
	operation := func() error {
		attempts++
		return NewError(KindRateLimit, "bybit", "rate limited")
	}

	err := WithRetry(ctx, config, operation)
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "Should attempt 3 times (initial + 2 retries)")
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	assert.Equal(t, KindRateLimit, KindOf(err), "Kind should survive the retry wrapper")
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
	}

	attempts := 0
	operation := func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return NewError(KindNetwork, "okx", "venue unavailable")
	}

	err := WithRetry(ctx, config, operation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation cancelled")
	assert.LessOrEqual(t, attempts, 3, "Should stop retrying after context cancellation")
}

func TestWithRetry_ExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	config := RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	attempts := 0
	operation := func() error {
		attempts++
		return NewError(KindNetwork, "binance", "venue unavailable")
	}

	startTime := time.Now()
	err := WithRetry(ctx, config, operation)
	duration := time.Since(startTime)

	require.Error(t, err)
	assert.Equal(t, 4, attempts, "Should attempt 4 times")
	// Minimum jittered waits: 5ms + 10ms + 20ms.
	assert.Greater(t, duration, 35*time.Millisecond, "Should have exponential backoff")
}

func TestWithRetry_MaxBackoffLimit(t *testing.T) {
	ctx := context.Background()
	config := RetryConfig{
		MaxRetries:     4,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     30 * time.Millisecond,
		BackoffFactor:  3.0,
	}

	attempts := 0
	operation := func() error {
		attempts++
		return NewError(KindNetwork, "binance", "venue unavailable")
	}

	startTime := time.Now()
	err := WithRetry(ctx, config, operation)
	duration := time.Since(startTime)

	require.Error(t, err)
	assert.Equal(t, 5, attempts, "Should attempt 5 times")
	// Without the cap the last waits would be hundreds of ms.
	assert.Less(t, duration, 500*time.Millisecond, "Should respect max backoff")
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		wait := jitter(base)
		assert.GreaterOrEqual(t, wait, base/2)
		assert.LessOrEqual(t, wait, base)
	}

	assert.Equal(t, time.Duration(0), jitter(0))
}
