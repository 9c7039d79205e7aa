package orchestrator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/cache"
	"github.com/howard-nolan/llmgateway/internal/pool"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/resilience"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/tracker"
)

type fakeStreamProvider struct {
	name   string
	chunks []provider.StreamChunk
}

func (p *fakeStreamProvider) Name() string                    { return p.name }
func (p *fakeStreamProvider) SupportsModel(model string) bool { return true }
func (p *fakeStreamProvider) Stream(ctx context.Context, req *provider.StreamRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestOrchestrator(t *testing.T, chunks []provider.StreamChunk) *Orchestrator {
	t.Helper()
	cacheMgr := cache.New(nil, 100, time.Minute, false, nil)
	poolMgr := pool.New(nil, 10, 10, 0.7, 0.9, nil)
	registry := provider.NewRegistry()
	registry.Register(&fakeStreamProvider{name: "fake", chunks: chunks}, nil)
	trk := tracker.New(true, 1.0, 100)

	return New(cacheMgr, poolMgr, registry, trk, resilience.Config{MaxRetries: 0}, time.Minute,
		Timeouts{FirstChunk: 2 * time.Second, TotalRequest: 5 * time.Second, Heartbeat: 0}, nil)
}

func TestStreamHappyPathEmitsChunksAndComplete(t *testing.T) {
	chunks := []provider.StreamChunk{
		{Content: "Hello"},
		{Content: " world"},
		{FinishReason: "stop"},
	}
	o := newTestOrchestrator(t, chunks)

	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec, "thread-1")
	require.NoError(t, err)

	req := &provider.StreamRequest{Query: "hi", Model: "m", ThreadID: "thread-1", UserID: "u1"}
	require.NoError(t, o.Stream(context.Background(), w, req))

	body := rec.Body.String()
	require.Contains(t, body, `"content":"Hello"`)
	require.Contains(t, body, `"content":" world"`)
	require.Contains(t, body, "event: complete")
	require.Contains(t, body, `"total_length":11`)
}

func TestStreamCacheHitSkipsProvider(t *testing.T) {
	chunks := []provider.StreamChunk{{Content: "Hello world!"}, {FinishReason: "stop"}}
	o := newTestOrchestrator(t, chunks)
	req := &provider.StreamRequest{Query: "hi", Model: "m", ThreadID: "thread-2", UserID: "u1"}

	rec1 := httptest.NewRecorder()
	w1, err := sse.NewWriter(rec1, "thread-2")
	require.NoError(t, err)
	require.NoError(t, o.Stream(context.Background(), w1, req))

	rec2 := httptest.NewRecorder()
	w2, err := sse.NewWriter(rec2, "thread-2")
	require.NoError(t, err)
	require.NoError(t, o.Stream(context.Background(), w2, req))

	body2 := rec2.Body.String()
	require.Contains(t, body2, `"cached"`)
	require.Contains(t, body2, `"total_length":12`)
}

func TestStreamValidationFailureEmitsErrorEvent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec, "thread-3")
	require.NoError(t, err)

	req := &provider.StreamRequest{Query: "", Model: "m", ThreadID: "thread-3", UserID: "u1"}
	err = o.Stream(context.Background(), w, req)
	require.Error(t, err)
	require.Contains(t, rec.Body.String(), "event: error")
}

func TestStreamCachingDisabledAlwaysCallsProvider(t *testing.T) {
	chunks := []provider.StreamChunk{{Content: "Hello world!"}, {FinishReason: "stop"}}
	o := newTestOrchestrator(t, chunks)
	o.SetCachingEnabled(false)
	req := &provider.StreamRequest{Query: "hi", Model: "m", ThreadID: "thread-5", UserID: "u1"}

	rec1 := httptest.NewRecorder()
	w1, err := sse.NewWriter(rec1, "thread-5")
	require.NoError(t, err)
	require.NoError(t, o.Stream(context.Background(), w1, req))
	require.NotContains(t, rec1.Body.String(), `"cached":true`)

	rec2 := httptest.NewRecorder()
	w2, err := sse.NewWriter(rec2, "thread-5")
	require.NoError(t, err)
	require.NoError(t, o.Stream(context.Background(), w2, req))
	require.NotContains(t, rec2.Body.String(), `"cached":true`)
}

func TestStreamAdmissionDeniedWithoutPublisherErrors(t *testing.T) {
	o := newTestOrchestrator(t, []provider.StreamChunk{{FinishReason: "stop"}})
	for i := 0; i < 10; i++ {
		o.pool.Acquire(context.Background(), "other-user", "thread-filler")
	}

	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec, "thread-4")
	require.NoError(t, err)

	req := &provider.StreamRequest{Query: "hi", Model: "m", ThreadID: "thread-4", UserID: "u2"}
	err = o.Stream(context.Background(), w, req)
	require.Error(t, err)
}
