package provider

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

type fakeProvider struct {
	name   string
	models map[string]struct{}
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) SupportsModel(model string) bool {
	_, ok := f.models[model]
	return ok
}
func (f *fakeProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: "ok", FinishReason: "stop"}
	close(ch)
	return ch, nil
}

var _ Provider = (*fakeProvider)(nil)

func newFakeProvider(name string, models ...string) *fakeProvider {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	return &fakeProvider{name: name, models: set}
}

func TestSelectHealthyPicksFirstSupportingProvider(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeProvider("a", "model-x"), breaker.New("a", nil, 5, time.Minute, nil))
	r.Register(newFakeProvider("b", "model-y"), breaker.New("b", nil, 5, time.Minute, nil))

	p, _, err := r.SelectHealthy(context.Background(), "model-y", nil)
	require.NoError(t, err)
	require.Equal(t, "b", p.Name())
}

func TestSelectHealthyReturnsAllDownWhenNoneSupportModel(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeProvider("a", "model-x"), nil)

	_, _, err := r.SelectHealthy(context.Background(), "model-z", nil)
	require.Error(t, err)
	require.True(t, gatewayerr.Is(err, gatewayerr.KindAllProvidersDown))
}

func TestSelectHealthySkipsOpenCircuit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, 10, 10*time.Millisecond)
	defer client.Close()

	r := NewRegistry()
	openBreaker := breaker.New("a", client, 1, time.Minute, nil)
	openBreaker.RecordFailure(context.Background()) // trips at threshold=1
	r.Register(newFakeProvider("a", "model-x"), openBreaker)
	r.Register(newFakeProvider("b", "model-x"), breaker.New("b", nil, 5, time.Minute, nil))

	p, _, err := r.SelectHealthy(context.Background(), "model-x", nil)
	require.NoError(t, err)
	require.Equal(t, "b", p.Name(), "provider a's open circuit must be skipped in favor of b")
}

func TestSelectHealthyExplicitProviderFallsBackWhenModelUnsupported(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeProvider("a", "model-x"), nil)
	r.Register(newFakeProvider("b", "model-z"), nil)
	requested := "a"

	p, _, err := r.SelectHealthy(context.Background(), "model-z", &requested)
	require.NoError(t, err)
	require.Equal(t, "b", p.Name(), "a preferred provider that can't serve the model must fail over to a healthy one")
}

func TestSelectHealthyExplicitProviderWithNoFallbackReturnsAllDown(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeProvider("a", "model-x"), nil)
	requested := "a"

	_, _, err := r.SelectHealthy(context.Background(), "model-z", &requested)
	require.Error(t, err)
	require.True(t, gatewayerr.Is(err, gatewayerr.KindAllProvidersDown))
}

// TestSelectHealthyExplicitProviderCircuitOpenFallsBack is the literal
// end-to-end scenario spec §8 calls out by name: a preferred provider's
// circuit is open, and the request falls back to a healthy provider
// instead of failing.
func TestSelectHealthyExplicitProviderCircuitOpenFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, 10, 10*time.Millisecond)
	defer client.Close()

	r := NewRegistry()
	openBreaker := breaker.New("openai", client, 1, time.Minute, nil)
	openBreaker.RecordFailure(context.Background()) // trips at threshold=1
	r.Register(newFakeProvider("openai", "model-x"), openBreaker)
	r.Register(newFakeProvider("deepseek", "model-x"), breaker.New("deepseek", nil, 5, time.Minute, nil))
	requested := "openai"

	p, _, err := r.SelectHealthy(context.Background(), "model-x", &requested)
	require.NoError(t, err)
	require.Equal(t, "deepseek", p.Name(), "preferred provider's open circuit must fail over to a healthy provider")
}

func TestSelectHealthyExplicitProviderNotRegistered(t *testing.T) {
	r := NewRegistry()
	requested := "missing"

	_, _, err := r.SelectHealthy(context.Background(), "model-x", &requested)
	require.Error(t, err)
	require.True(t, gatewayerr.Is(err, gatewayerr.KindProviderNotAvailable))
}
