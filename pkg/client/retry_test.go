package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noBackoff(int, error) time.Duration { return 0 }

func testPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		Operation:   "test",
		MaxAttempts: maxAttempts,
		Backoff:     noBackoff,
		IsTransient: IsTransient,
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", policy.MaxAttempts)
	}
	if policy.Backoff == nil {
		t.Error("Backoff should be set")
	}
	if policy.IsTransient == nil {
		t.Error("IsTransient should be set")
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	got, err := Retry(context.Background(), testPolicy(3), func(context.Context) (int, error) {
		callCount++
		return 42, nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	hookCalls := 0

	policy := testPolicy(5)
	policy.OnRetry = func(ctx context.Context, attempt int, err error) error {
		hookCalls++
		if attempt != hookCalls {
			t.Errorf("OnRetry attempt = %d, want %d", attempt, hookCalls)
		}
		return nil
	}

	got, err := Retry(context.Background(), policy, func(context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", &RPCError{Class: ErrorClassRateLimit}
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	if hookCalls != 2 {
		t.Errorf("Expected 2 OnRetry calls, got %d", hookCalls)
	}
}

func TestRetry_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	testErr := &RPCError{Class: ErrorClassServer, Message: "persistent"}

	_, err := Retry(context.Background(), testPolicy(3), func(context.Context) (int, error) {
		callCount++
		return 0, testErr
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr != testErr {
		t.Errorf("final error should wrap the last RPC error, got %v", err)
	}
}

func TestRetry_NonTransientNotRetried(t *testing.T) {
	callCount := 0
	hookCalled := false
	testErr := &RPCError{Class: ErrorClassClient}

	policy := testPolicy(5)
	policy.OnRetry = func(context.Context, int, error) error {
		hookCalled = true
		return nil
	}

	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		callCount++
		return 0, testErr
	})

	if !errors.Is(err, testErr) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("non-transient error must not be reported as exhausted")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if hookCalled {
		t.Error("OnRetry must not run for non-transient errors")
	}
}

func TestRetry_HookErrorAborts(t *testing.T) {
	hookErr := errors.New("shrink cancelled")
	policy := testPolicy(5)
	policy.OnRetry = func(context.Context, int, error) error { return hookErr }

	callCount := 0
	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		callCount++
		return 0, &RPCError{Class: ErrorClassNetwork}
	})

	if !errors.Is(err, hookErr) {
		t.Errorf("Expected hook error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := testPolicy(5)
	policy.Backoff = func(int, error) time.Duration { return 10 * time.Second }

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, policy, func(context.Context) (int, error) {
		return 0, &RPCError{Class: ErrorClassServer}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Retry did not stop promptly on cancellation")
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(100*time.Millisecond, time.Second, 2.0)

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		got := backoff(tt.attempt, errors.New("x"))
		low := time.Duration(float64(tt.base) * 0.8)
		high := time.Duration(float64(tt.base) * 1.2)
		if got < low || got > high {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", tt.attempt, got, low, high)
		}
	}
}

func TestExponentialBackoff_RetryAfterFloor(t *testing.T) {
	backoff := ExponentialBackoff(10*time.Millisecond, time.Second, 2.0)
	err := &RPCError{Class: ErrorClassRateLimit, RetryAfter: 5 * time.Second}

	if got := backoff(1, err); got != 5*time.Second {
		t.Errorf("backoff = %v, want Retry-After of 5s", got)
	}
}
