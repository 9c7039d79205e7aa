package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/breaker"
	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
	"github.com/howard-nolan/llmgateway/internal/kv"
)

func closedBreaker() *breaker.Breaker {
	return breaker.New("test", nil, 5, time.Minute, nil)
}

func TestCallSucceedsFirstTry(t *testing.T) {
	cb := closedBreaker()
	calls := 0
	v, err := Call(context.Background(), cb, Config{MaxRetries: 3}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 1, calls)
}

func TestCallRetriesOnRetryableError(t *testing.T) {
	cb := closedBreaker()
	calls := 0
	v, err := Call(context.Background(), cb, Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", gatewayerr.New(gatewayerr.KindProviderTimeout, "timeout")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 3, calls)
}

func TestCallDoesNotRetryOn4xx(t *testing.T) {
	cb := closedBreaker()
	calls := 0
	_, err := Call(context.Background(), cb, Config{MaxRetries: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		return "", gatewayerr.New(gatewayerr.KindProviderAPI, "bad request")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "non-retryable errors should not be retried")
}

func TestCallFailsFastWhenCircuitOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, 10, 10*time.Millisecond)
	defer client.Close()

	cb := breaker.New("test", client, 1, time.Minute, nil)
	cb.RecordFailure(context.Background()) // trips the breaker open (threshold=1)

	calls := 0
	_, err := Call(context.Background(), cb, Config{}, func(ctx context.Context) (string, error) {
		calls++
		return "unreachable", nil
	})

	require.Error(t, err)
	require.True(t, gatewayerr.Is(err, gatewayerr.KindCircuitOpen))
	require.Equal(t, 0, calls, "fn must not be invoked when the circuit is open")
}

func TestCallWithNilBreakerSkipsCircuitLogic(t *testing.T) {
	calls := 0
	v, err := Call[string](context.Background(), nil, Config{MaxRetries: 1, BaseDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", gatewayerr.New(gatewayerr.KindProviderTimeout, "timeout")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestCallRetriesExhaustedReturnsLastError(t *testing.T) {
	cb := closedBreaker()
	calls := 0
	_, err := Call(context.Background(), cb, Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		return "", gatewayerr.New(gatewayerr.KindProviderTimeout, "still down")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls) // initial + 2 retries
}
