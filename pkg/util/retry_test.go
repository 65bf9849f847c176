package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Backoff: time.Millisecond}, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 5, Backoff: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	wantErr := errors.New("persistent")
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Backoff: time.Millisecond}, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_NotRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		Attempts:    5,
		Backoff:     time.Millisecond,
		IsRetryable: func(err error) bool { return !errors.Is(err, ErrNoFreePort) },
	}, func() error {
		calls++
		return ErrNoFreePort
	})
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("expected ErrNoFreePort, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error should stop after 1 call, got %d", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, RetryConfig{Attempts: 3, Backoff: time.Minute}, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetry_ZeroAttempts(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), RetryConfig{}, func() error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Errorf("zero attempts should be treated as one, got %d calls", calls)
	}
}
