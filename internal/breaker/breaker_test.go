package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/kv"
)

func newTestBreaker(t *testing.T, failureThreshold int, recovery time.Duration) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, 10, 10*time.Millisecond)
	t.Cleanup(func() { _ = client.Close() })
	return New("openai", client, failureThreshold, recovery, nil), mr
}

func TestStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t, 5, time.Minute)
	ctx := context.Background()
	require.Equal(t, StateClosed, b.GetState(ctx))
	require.True(t, b.ShouldAllowRequest(ctx))
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.RecordFailure(ctx)
		require.Equal(t, StateClosed, b.GetState(ctx), "should stay closed below threshold")
	}
	b.RecordFailure(ctx)
	require.Equal(t, StateOpen, b.GetState(ctx))
	require.False(t, b.ShouldAllowRequest(ctx))
}

func TestProbeAllowedAfterRecoveryTimeout(t *testing.T) {
	b, _ := newTestBreaker(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx)
	require.Equal(t, StateOpen, b.GetState(ctx))
	require.False(t, b.ShouldAllowRequest(ctx))

	time.Sleep(100 * time.Millisecond)
	require.True(t, b.ShouldAllowRequest(ctx), "probe should be allowed once recovery timeout elapses")
}

func TestProbeSuccessClosesCircuit(t *testing.T) {
	b, _ := newTestBreaker(t, 1, 10*time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx)
	time.Sleep(50 * time.Millisecond)
	require.True(t, b.ShouldAllowRequest(ctx))

	b.RecordSuccess(ctx)
	require.Equal(t, StateClosed, b.GetState(ctx))
	require.Equal(t, int64(0), b.Failures(ctx))
}

func TestProbeFailureReopensForAnotherFullTimeout(t *testing.T) {
	b, _ := newTestBreaker(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	b.RecordFailure(ctx)
	time.Sleep(100 * time.Millisecond)
	require.True(t, b.ShouldAllowRequest(ctx))

	// Probe fails: stays OPEN, timer resets.
	b.RecordFailure(ctx)
	require.Equal(t, StateOpen, b.GetState(ctx))
	require.False(t, b.ShouldAllowRequest(ctx))
}

func TestSuccessResetsFailureCounterWhileClosed(t *testing.T) {
	b, _ := newTestBreaker(t, 5, time.Minute)
	ctx := context.Background()

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	require.Equal(t, int64(2), b.Failures(ctx))

	b.RecordSuccess(ctx)
	require.Equal(t, int64(0), b.Failures(ctx))
}

func TestFailSafeWhenKVNil(t *testing.T) {
	b := New("openai", nil, 5, time.Minute, nil)
	ctx := context.Background()
	require.True(t, b.ShouldAllowRequest(ctx))
	b.RecordFailure(ctx) // must not panic
	require.True(t, b.ShouldAllowRequest(ctx))
}
