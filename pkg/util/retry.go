package util

import (
	"context"
	"time"
)

// RetryConfig controls the shared retry helper.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the delay after the first failure; it doubles each attempt.
	Backoff time.Duration
	// MaxBackoff caps the doubling. Zero means no cap.
	MaxBackoff time.Duration
	// IsRetryable decides whether a given error is worth another attempt.
	// A nil func retries every error.
	IsRetryable func(error) bool
}

// Retry runs fn up to cfg.Attempts times with exponential backoff between
// attempts. It returns nil on the first success, the last error when
// attempts are exhausted, and stops early when the error is not retryable
// or the context is cancelled.
//
// Mutating commands must not be passed through Retry; it is reserved for
// idempotent calls (port lookups, session registration, read operations).
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	backoff := cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.IsRetryable != nil && !cfg.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}

		Debugf("retry: attempt %d/%d failed: %v", attempt, cfg.Attempts, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}
