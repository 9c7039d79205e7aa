package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rdb := newTestRedis(t)
	b := NewBatcher(rdb, 3, time.Hour) // timeout long enough it never fires on its own

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Submit(context.Background(), func(p redis.Pipeliner) error {
				p.Set(context.Background(), keyFor(i), "v", 0)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		val, err := rdb.Get(context.Background(), keyFor(i)).Result()
		require.NoError(t, err)
		require.Equal(t, "v", val)
	}
}

func TestBatcherFlushesOnTimeout(t *testing.T) {
	rdb := newTestRedis(t)
	b := NewBatcher(rdb, 100, 10*time.Millisecond)

	err := b.Submit(context.Background(), func(p redis.Pipeliner) error {
		p.Set(context.Background(), "solo", "v", 0)
		return nil
	})
	require.NoError(t, err)

	val, err := rdb.Get(context.Background(), "solo").Result()
	require.NoError(t, err)
	require.Equal(t, "v", val)
}

func keyFor(i int) string {
	return "key" + string(rune('a'+i))
}
