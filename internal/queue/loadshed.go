package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
)

// LoadShedder gates Produce calls against the bus once queue depth
// crosses BackpressureThreshold. A depth breach retries with exponential
// backoff and full jitter (spec §4.3) instead of failing immediately;
// QUEUE_FULL is only returned once retries are exhausted. The token
// bucket is a separate, non-retried admission limiter layered on top —
// it shapes steady-state producer rate, not the depth breach itself.
type LoadShedder struct {
	bus       Bus
	maxDepth  int64
	threshold float64
	limiter   *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewLoadShedder wraps bus with depth-based admission control.
// ratePerSecond/burst size the token bucket; maxRetries/baseDelay/
// maxDelay bound the backpressure retry loop. See QueueConfig.
func NewLoadShedder(bus Bus, maxDepth int64, threshold float64, ratePerSecond float64, burst int, maxRetries int, baseDelay, maxDelay time.Duration) *LoadShedder {
	return &LoadShedder{
		bus:        bus,
		maxDepth:   maxDepth,
		threshold:  threshold,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// depthOK reports whether the queue is currently under
// threshold*maxDepth. It never blocks.
func (l *LoadShedder) depthOK(ctx context.Context) (bool, error) {
	depth, err := l.bus.Depth(ctx)
	if err != nil {
		return false, err
	}
	if l.maxDepth > 0 && float64(depth) >= l.threshold*float64(l.maxDepth) {
		return false, nil
	}
	return true, nil
}

// Admit reports whether a new item may be enqueued right now: the queue
// must be under threshold*maxDepth, and the token bucket must have a
// token available. It never blocks and never retries — used by callers
// that want a single depth+rate check without the backpressure loop.
func (l *LoadShedder) Admit(ctx context.Context) (bool, error) {
	ok, err := l.depthOK(ctx)
	if err != nil || !ok {
		return false, err
	}
	return l.limiter.Allow(), nil
}

// Produce enqueues payload. If depth is at or above the backpressure
// threshold, it retries with exponential-backoff-with-jitter up to
// maxRetries times (spec §4.3), re-checking depth before each attempt,
// and only fails QUEUE_FULL once retries are exhausted. The rate
// limiter is checked once per call, after the depth check clears, and
// is never itself retried.
func (l *LoadShedder) Produce(ctx context.Context, payload []byte) (string, error) {
	maxRetries := l.maxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, l.backoffDelay(attempt)); err != nil {
				return "", err
			}
		}

		ok, err := l.depthOK(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			if !l.limiter.Allow() {
				return "", gatewayerr.New(gatewayerr.KindQueueFull, "queue backpressure: rate limit exceeded")
			}
			return l.bus.Produce(ctx, payload)
		}
		lastErr = gatewayerr.New(gatewayerr.KindQueueFull, "queue backpressure: depth threshold exceeded")
	}

	return "", lastErr
}

// backoffDelay returns a jittered exponential delay for the given retry
// attempt (1-indexed), bounded by l.maxDelay.
func (l *LoadShedder) backoffDelay(attempt int) time.Duration {
	base := l.baseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := l.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
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

// The remaining methods make LoadShedder a drop-in Bus decorator: only
// Produce gates on backpressure, everything else passes straight
// through to the wrapped bus.

func (l *LoadShedder) Initialize(ctx context.Context) error { return l.bus.Initialize(ctx) }

func (l *LoadShedder) Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]Message, error) {
	return l.bus.Consume(ctx, consumerName, batchSize, block)
}

func (l *LoadShedder) Acknowledge(ctx context.Context, messageID string) error {
	return l.bus.Acknowledge(ctx, messageID)
}

func (l *LoadShedder) Depth(ctx context.Context) (int64, error) { return l.bus.Depth(ctx) }

func (l *LoadShedder) Close() error { return l.bus.Close() }
