package util

import (
	"context"
	"errors"
	"testing"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	attempts := 0
	sentinel := errors.New("order rejected")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry returned %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times after permanent error, want 1", attempts)
	}
}

func TestRateLimiterWait(t *testing.T) {
	rl := NewRateLimiter(6000) // 100/sec, fast enough for a test

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(1) // one per minute, the second Wait must block

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := rl.Wait(cctx); err == nil {
		t.Fatal("Wait on cancelled context returned nil error")
	}
}
