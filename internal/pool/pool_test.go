package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/kv"
)

func newTestPool(t *testing.T, maxTotal, maxPerUser int) *Pool {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, 10, 10*time.Millisecond)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, maxTotal, maxPerUser, 0.70, 0.90, nil)
}

func TestAcquireGrantsUnderCapacity(t *testing.T) {
	p := newTestPool(t, 10, 5)
	ctx := context.Background()
	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t1"))
}

func TestAcquireDeniesAtTotalCapacity(t *testing.T) {
	p := newTestPool(t, 1, 5)
	ctx := context.Background()
	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t1"))
	require.Equal(t, Exhausted, p.Acquire(ctx, "u2", "t2"))
}

func TestAcquireDeniesAtUserLimit(t *testing.T) {
	p := newTestPool(t, 10, 1)
	ctx := context.Background()
	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t1"))
	require.Equal(t, UserLimit, p.Acquire(ctx, "u1", "t2"))
}

func TestAcquireReleaseIsReversible(t *testing.T) {
	p := newTestPool(t, 10, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, Granted, p.Acquire(ctx, "u1", "t1"))
		p.Release(ctx, "u1", "t1")
	}

	total, userCount, err := p.readCounts(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, total)
	require.Equal(t, 0, userCount)
}

func TestReleaseDeletesUserKeyAtZero(t *testing.T) {
	p := newTestPool(t, 10, 5)
	ctx := context.Background()

	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t1"))
	p.Release(ctx, "u1", "t1")

	_, err := p.kv.Get(ctx, keyUserPrefix+"u1")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestPoolStateThresholds(t *testing.T) {
	p := newTestPool(t, 10, 10)
	ctx := context.Background()
	require.Equal(t, StateHealthy, p.State(ctx))

	for i := 0; i < 7; i++ {
		require.Equal(t, Granted, p.Acquire(ctx, "u", "t"+string(rune('0'+i))))
	}
	require.Equal(t, StateDegraded, p.State(ctx))

	for i := 7; i < 9; i++ {
		require.Equal(t, Granted, p.Acquire(ctx, "u2", "c"+string(rune('0'+i))))
	}
	require.Equal(t, StateCritical, p.State(ctx))

	require.Equal(t, Granted, p.Acquire(ctx, "u3", "last"))
	require.Equal(t, StateExhausted, p.State(ctx))
}

func TestPoolUsesLocalCountersWithoutKV(t *testing.T) {
	p := New(nil, 2, 2, 0.70, 0.90, nil)
	ctx := context.Background()

	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t1"))
	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t2"))
	require.Equal(t, UserLimit, p.Acquire(ctx, "u1", "t3"))

	p.Release(ctx, "u1", "t1")
	require.Equal(t, Granted, p.Acquire(ctx, "u1", "t3"))
}

func TestLocalReleaseClampsAtZero(t *testing.T) {
	p := New(nil, 10, 10, 0.70, 0.90, nil)
	ctx := context.Background()
	// Releasing without a matching acquire must not go negative.
	p.Release(ctx, "u1", "ghost")
	require.Equal(t, 0, p.localTotal)
}

func TestDistributedReleaseClampsAtZero(t *testing.T) {
	p := newTestPool(t, 10, 10)
	ctx := context.Background()
	// A double-release (or a release with no matching acquire) must not
	// drive the distributed total counter negative.
	p.Release(ctx, "u1", "ghost")

	total, err := p.kv.Get(ctx, keyTotal)
	require.NoError(t, err)
	require.Equal(t, "0", total)
}
