package apperrors

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures a bounded, linearly-backing-off retry loop.
// MaxAttempts is the number of retries *after* the first attempt, matching
// spec.md's "MAX_RETRIES + 1 attempts" phrasing (§4.2, §4.5).
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// BackoffFor returns the linear backoff delay before retry attempt n
// (1-indexed): attempt * Delay.
func (c RetryConfig) BackoffFor(attempt int) time.Duration {
	return time.Duration(attempt) * c.Delay
}

// Retry runs fn up to MaxAttempts+1 times, sleeping BackoffFor(attempt)
// between attempts, stopping early on a permanent error or cancellation.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return WrapCancelled(ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsCancelled(err) || !IsTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BackoffFor(attempt + 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return WrapCancelled(ctx.Err())
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}
