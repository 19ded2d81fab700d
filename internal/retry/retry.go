// Package retry implements bounded retry with exponential backoff for
// transient external failures.
package retry

import (
	"context"
	"time"
)

const (
	// Attempts is the default number of tries for an external call.
	Attempts = 3

	baseDelay = 1 * time.Second
	maxDelay  = 8 * time.Second
)

// Backoff returns the delay before retry number attempt (0-based):
// baseDelay * 2^attempt, capped at maxDelay.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}
	if attempt > 3 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Do runs op up to attempts times, sleeping with exponential backoff between
// tries. retryable decides whether an error is worth another attempt; a nil
// retryable retries every error. Returns the last error, or ctx.Err() when
// cancelled mid-backoff.
func Do(ctx context.Context, attempts int, retryable func(error) bool, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(Backoff(i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
