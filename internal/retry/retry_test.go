package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/copyflow/signal-engine/internal/retry"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
		{-1, time.Second},
	}
	for _, tc := range cases {
		if got := retry.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("rejected")
	calls := 0
	err := retry.Do(context.Background(), retry.Attempts, func(error) bool { return false }, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error should stop after 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	transient := errors.New("flaky")
	calls := 0
	err := retry.Do(context.Background(), 2, func(error) bool { return true }, func() error {
		calls++
		if calls < 2 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, 3, nil, func() error {
		calls++
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("cancellation during backoff should stop retries, got %d calls", calls)
	}
}
