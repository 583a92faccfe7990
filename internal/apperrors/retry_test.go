package apperrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return NewPermanentError(errors.New("bad request"), 400)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ExhaustsConfiguredAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return NewTransientError(errors.New("still down"), 503)
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestRetry_CancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 5, Delay: time.Millisecond}

	attempts := 0
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return NewTransientError(errors.New("down"), 503)
	})

	assert.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, 0, attempts)
}

func TestRetryConfig_BackoffForIsLinear(t *testing.T) {
	cfg := RetryConfig{Delay: 10 * time.Second}
	assert.Equal(t, 10*time.Second, cfg.BackoffFor(1))
	assert.Equal(t, 20*time.Second, cfg.BackoffFor(2))
}
