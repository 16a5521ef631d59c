package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_retries_total",
		Help: "Total number of retry attempts by operation and error class",
	}, []string{"operation", "error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"operation"})
)

// BackoffFunc returns the delay to wait after the given failed attempt
// (1-based) before the next one.
type BackoffFunc func(attempt int, err error) time.Duration

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// Operation names the call site in logs and metrics.
	Operation string

	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// Backoff computes the wait between attempts.
	Backoff BackoffFunc

	// IsTransient classifies errors worth retrying. Defaults to IsTransient.
	IsTransient func(error) bool

	// OnRetry runs after the backoff wait and before the next attempt. An
	// error from OnRetry aborts the retry loop.
	OnRetry func(ctx context.Context, attempt int, err error) error
}

// DefaultRetryPolicy returns the default policy without a retry hook.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Operation:   "rpc",
		MaxAttempts: 5,
		Backoff:     ExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0),
		IsTransient: IsTransient,
	}
}

// ExponentialBackoff returns a BackoffFunc doubling (by multiplier) from
// initial up to max, with ±20% jitter. A Retry-After hint on the error is
// used as a lower bound.
func ExponentialBackoff(initial, max time.Duration, multiplier float64) BackoffFunc {
	return func(attempt int, err error) time.Duration {
		backoff := float64(initial)
		for i := 1; i < attempt; i++ {
			backoff *= multiplier
			if backoff > float64(max) {
				backoff = float64(max)
				break
			}
		}

		// Add jitter (±20% randomness)
		delay := time.Duration(backoff * (0.8 + rand.Float64()*0.4))

		if hint := RetryAfterHint(err); hint > delay {
			delay = hint
		}
		return delay
	}
}

// Retry executes op until it succeeds, fails with a non-transient error, or
// the policy's attempts are exhausted. Between attempts it waits the backoff
// delay and then runs the OnRetry hook.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	isTransient := policy.IsTransient
	if isTransient == nil {
		isTransient = IsTransient
	}
	operation := policy.Operation
	if operation == "" {
		operation = "unknown"
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		// Non-transient errors propagate untouched
		if !isTransient(err) {
			return zero, err
		}

		// If this was the last attempt, don't wait
		if attempt >= maxAttempts {
			break
		}

		errClass := string(ClassOf(err))
		retriesTotal.WithLabelValues(operation, errClass).Inc()

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff(attempt, err)
		}
		retryBackoffSeconds.WithLabelValues(operation).Observe(delay.Seconds())

		log.Warn().
			Err(err).
			Str("operation", operation).
			Str("error_class", errClass).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, delay); err != nil {
			log.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		if policy.OnRetry != nil {
			if err := policy.OnRetry(ctx, attempt, lastErr); err != nil {
				return zero, fmt.Errorf("%s retry hook: %w", operation, err)
			}
		}
	}

	// All retries exhausted
	retryExhaustedTotal.WithLabelValues(operation).Inc()
	log.Error().
		Err(lastErr).
		Str("operation", operation).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return zero, fmt.Errorf("%s: %w after %d attempts: %w", operation, ErrRetryExhausted, maxAttempts, lastErr)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
