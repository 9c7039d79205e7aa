// Package resilience wraps a call with exponential-backoff-with-jitter
// retries, interlocked with a circuit breaker (spec §4.4's "retry
// wrapper"). Retries happen at exactly this one layer — callers must
// not retry again above it.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/howard-nolan/llmgateway/internal/breaker"
	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
)

// Config bounds the retry/backoff behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Call invokes fn, retrying up to cfg.MaxRetries times on retryable
// errors (per gatewayerr.Retryable — network-level/timeout errors only,
// never provider 4xx), with exponential backoff and full jitter bounded
// by [0, min(BaseDelay*2^(n-1), MaxDelay)] before the n-th retry.
//
// The circuit breaker is consulted before the first attempt — if it
// denies, Call fails fast with CIRCUIT_OPEN and never invokes fn. On
// overall success the breaker records success; on final failure it
// records failure. Retries themselves do not touch the breaker — only
// the outcome of the whole call does, matching spec §4.4's "(c) on
// overall success records success, on final failure records failure."
func Call[T any](ctx context.Context, cb *breaker.Breaker, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	// A nil breaker means the caller registered this call site without
	// circuit protection (e.g. a provider with no breaker configured) —
	// every method on cb is skipped rather than called on a nil receiver.
	if cb != nil && !cb.ShouldAllowRequest(ctx) {
		return zero, gatewayerr.New(gatewayerr.KindCircuitOpen, "circuit open for "+cb.Name())
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffDelay(cfg, attempt)); err != nil {
				return zero, err
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess(ctx)
			}
			return result, nil
		}

		lastErr = err
		if !gatewayerr.Retryable(err) {
			// Provider 4xx and similar: not retried, but still a final
			// failure for the breaker's purposes.
			if cb != nil {
				cb.RecordFailure(ctx)
			}
			return zero, err
		}
	}

	if cb != nil {
		cb.RecordFailure(ctx)
	}
	return zero, lastErr
}

// backoffDelay returns a jittered exponential delay for the given retry
// attempt (1-indexed), bounded by cfg.MaxDelay.
func backoffDelay(cfg Config, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	capped := float64(base) * math.Pow(2, float64(attempt-1))
	if capped > float64(maxDelay) {
		capped = float64(maxDelay)
	}
	// Full jitter: uniform in [0, capped].
	return time.Duration(rand.Int63n(int64(capped) + 1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
