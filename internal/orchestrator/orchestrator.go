// Package orchestrator implements the per-request stream pipeline of
// spec §4.7: validate, cache lookup, admission, provider selection,
// LLM stream, cache store — composing internal/cache, internal/pool,
// internal/provider, internal/resilience, internal/tracker,
// internal/failover and internal/sse into one constructor.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/howard-nolan/llmgateway/internal/cache"
	"github.com/howard-nolan/llmgateway/internal/failover"
	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/pool"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/resilience"
	"github.com/howard-nolan/llmgateway/internal/sse"
	"github.com/howard-nolan/llmgateway/internal/tracker"
)

const cacheKeyPrefix = "llmgateway:cache"

// Timeouts bundles the pipeline's deadlines (spec §5).
type Timeouts struct {
	FirstChunk   time.Duration
	TotalRequest time.Duration
	Heartbeat    time.Duration
}

// Orchestrator wires together every component a single /stream request
// touches. One Orchestrator is shared by all requests and by the
// failover ConsumerWorker.
type Orchestrator struct {
	cache    *cache.Manager
	pool     *pool.Pool
	tracker  *tracker.Tracker
	retry    resilience.Config
	cacheTTL time.Duration
	timeouts Timeouts
	log      *slog.Logger

	registryMu sync.RWMutex
	registry   *provider.Registry

	cachingEnabled atomic.Bool

	// metrics is nil-able: set once via SetMetrics by main.go, which owns
	// the prometheus.Registerer these collectors are registered against.
	metrics *metrics.Metrics

	// publisher is nil-able: set once the orchestrator is wired into a
	// failover Publisher by the caller, via SetPublisher. ConsumerWorker
	// instances use the orchestrator only via RunPipeline and never need
	// a publisher of their own.
	publisher *failover.Publisher
}

// New builds an Orchestrator.
func New(
	cacheManager *cache.Manager,
	poolMgr *pool.Pool,
	registry *provider.Registry,
	trk *tracker.Tracker,
	retry resilience.Config,
	cacheTTL time.Duration,
	timeouts Timeouts,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cache: cacheManager, pool: poolMgr, registry: registry, tracker: trk,
		retry: retry, cacheTTL: cacheTTL, timeouts: timeouts, log: log,
	}
	o.cachingEnabled.Store(true)
	return o
}

// SetPublisher attaches the failover publisher used when Stage 3 denies
// admission locally. Split out from New because main.go builds the
// Publisher after the Orchestrator, once the message bus and load
// shedder exist.
func (o *Orchestrator) SetPublisher(p *failover.Publisher) {
	o.publisher = p
}

// SetMetrics attaches the Prometheus collectors Stream/RunPipeline
// record against. A nil metrics (the default) makes every recording
// call below a no-op.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

func (o *Orchestrator) recordRequest(outcome string) {
	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) recordCacheResult(hit bool) {
	if o.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	o.metrics.CacheHits.WithLabelValues(result).Inc()
}

// SetRegistry atomically swaps the provider registry the pipeline
// consults — used by the admin config endpoint to flip between the
// real provider set and a FakeProvider-only registry when
// FeatureFlags.UseFakeLLM is toggled at runtime.
func (o *Orchestrator) SetRegistry(r *provider.Registry) {
	o.registryMu.Lock()
	o.registry = r
	o.registryMu.Unlock()
}

func (o *Orchestrator) currentRegistry() *provider.Registry {
	o.registryMu.RLock()
	defer o.registryMu.RUnlock()
	return o.registry
}

// SetCachingEnabled flips Stage 2/Stage 6 cache use on or off — used by
// the admin config endpoint's enable_caching flag.
func (o *Orchestrator) SetCachingEnabled(enabled bool) {
	o.cachingEnabled.Store(enabled)
}

func providerLabel(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Stream runs the full six-stage pipeline for req, writing every
// SSEEvent to w in order, with at most one terminal event.
func (o *Orchestrator) Stream(ctx context.Context, w *sse.Writer, req *provider.StreamRequest) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.TotalRequest)
	defer cancel()

	span := o.tracker.TrackStage("stream", "stream_request", req.ThreadID, false)
	defer o.tracker.ClearThreadData(req.ThreadID)

	// Stage 1 — Validate.
	if err := Validate(req, o.currentRegistry()); err != nil {
		o.emitError(w, err)
		span.End(false, kindOf(err), err.Error())
		o.recordRequest("invalid")
		return err
	}

	// Stage 2 — Cache lookup.
	fp := cache.Fingerprint(cacheKeyPrefix, req.Query, req.Model, providerLabel(req.Provider))
	start := time.Now()
	cachingEnabled := o.cachingEnabled.Load()
	if cachingEnabled {
		if cached, ok := o.cache.Get(ctx, fp); ok {
			o.recordCacheResult(true)
			if err := w.Send(sse.Event{Type: sse.EventStatus, Data: "cached"}); err != nil {
				span.End(false, "", err.Error())
				o.recordRequest("error")
				return err
			}
			if err := w.Send(sse.Event{Type: sse.EventChunk, Data: sse.ChunkData{Content: cached, Cached: true}}); err != nil {
				span.End(false, "", err.Error())
				o.recordRequest("error")
				return err
			}
			complete := sse.CompleteData{
				ThreadID: req.ThreadID, ChunkCount: 1, TotalLength: len(cached),
				DurationMs: time.Since(start).Milliseconds(), Cached: true,
			}
			if err := w.Send(sse.Event{Type: sse.EventComplete, Data: complete}); err != nil {
				span.End(false, "", err.Error())
				o.recordRequest("error")
				return err
			}
			span.End(true, "", "")
			o.recordRequest("success")
			return nil
		}
		o.recordCacheResult(false)
	}

	// Stage 3 — Admission.
	decision := o.pool.Acquire(ctx, req.UserID, req.ThreadID)
	if decision != pool.Granted {
		if o.publisher == nil {
			err := gatewayerr.New(gatewayerr.KindPoolExhausted, "connection pool exhausted and no failover publisher configured").WithThread(req.ThreadID)
			o.emitError(w, err)
			span.End(false, string(gatewayerr.KindPoolExhausted), err.Error())
			o.recordRequest("pool_exhausted")
			return err
		}
		err := o.publisher.Publish(ctx, req, w)
		span.End(err == nil, kindOf(err), errString(err))
		o.recordRequest(outcomeLabel(err))
		return err
	}
	defer o.pool.Release(ctx, req.UserID, req.ThreadID)

	err := o.RunPipeline(ctx, req, func(e sse.Event) error { return w.Send(e) })
	span.End(err == nil, kindOf(err), errString(err))
	o.recordRequest(outcomeLabel(err))
	return err
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// RunPipeline runs Stages 4-6 and emits every SSEEvent it produces via
// emit, including the terminal complete/error event. This is the exact
// shape failover.Pipeline expects, so main.go passes RunPipeline
// directly as the ConsumerWorker's pipeline callback — the consumer
// side of §4.8 runs the same stage code the local path does, just with
// a different emit sink (publish to a result channel instead of
// writing to the HTTP response).
func (o *Orchestrator) RunPipeline(ctx context.Context, req *provider.StreamRequest, emit func(sse.Event) error) error {
	start := time.Now()
	span := o.tracker.TrackStage("pipeline", "provider_stream", req.ThreadID, false)

	// Stage 4 — Provider selection.
	p, cb, err := o.currentRegistry().SelectHealthy(ctx, req.Model, req.Provider)
	if err != nil {
		_ = emit(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: string(kindOf(err)), Message: err.Error()}})
		span.End(false, kindOf(err), err.Error())
		return err
	}

	// Stage 5 — LLM stream, wrapped in the resilience (retry + breaker)
	// layer: retries cover establishing the stream, not mid-stream
	// errors (those surface as a StreamChunk.Error and are terminal).
	chunks, err := resilience.Call(ctx, cb, o.retry, func(ctx context.Context) (<-chan provider.StreamChunk, error) {
		return p.Stream(ctx, req)
	})
	if err != nil {
		_ = emit(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: string(kindOf(err)), Message: err.Error()}})
		span.End(false, kindOf(err), err.Error())
		return err
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.runHeartbeat(heartbeatCtx, emit)

	var buf strings.Builder
	chunkCount := 0
	firstChunkTimer := time.NewTimer(o.timeouts.FirstChunk)
	defer firstChunkTimer.Stop()
	gotFirst := false

consume:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break consume
			}
			if !gotFirst {
				gotFirst = true
				firstChunkTimer.Stop()
			}
			if chunk.Error != nil {
				stopHeartbeat()
				_ = emit(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: "PROVIDER_STREAM", Message: chunk.Error.Error()}})
				span.End(false, "PROVIDER_STREAM", chunk.Error.Error())
				return chunk.Error
			}
			if chunk.Content != "" {
				buf.WriteString(chunk.Content)
				idx := chunkCount
				chunkCount++
				if err := emit(sse.Event{Type: sse.EventChunk, Data: sse.ChunkData{Content: chunk.Content, Index: idx}}); err != nil {
					stopHeartbeat()
					span.End(false, "", err.Error())
					return err
				}
			}
			if chunk.FinishReason != "" {
				break consume
			}

		case <-firstChunkTimer.C:
			if gotFirst {
				continue
			}
			stopHeartbeat()
			timeoutErr := gatewayerr.New(gatewayerr.KindStreamingTimeout, "no chunk received before first-chunk timeout").WithThread(req.ThreadID)
			_ = emit(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: string(gatewayerr.KindStreamingTimeout), Message: timeoutErr.Error()}})
			span.End(false, string(gatewayerr.KindStreamingTimeout), timeoutErr.Error())
			return timeoutErr

		case <-ctx.Done():
			stopHeartbeat()
			span.End(false, "", ctx.Err().Error())
			return ctx.Err()
		}
	}
	stopHeartbeat()

	// Stage 6 — Cache store & complete.
	content := buf.String()
	if o.cachingEnabled.Load() {
		fp := cache.Fingerprint(cacheKeyPrefix, req.Query, req.Model, providerLabel(req.Provider))
		if err := o.cache.Set(ctx, fp, content, o.cacheTTL); err != nil {
			o.log.Warn("cache store failed after successful stream", "thread_id", req.ThreadID, "error", err)
		}
	}

	complete := sse.CompleteData{
		ThreadID: req.ThreadID, ChunkCount: chunkCount, TotalLength: len(content),
		DurationMs: time.Since(start).Milliseconds(), Cached: false,
	}
	err = emit(sse.Event{Type: sse.EventComplete, Data: complete})
	span.End(err == nil, "", errString(err))
	return err
}

// runHeartbeat emits a heartbeat event every o.timeouts.Heartbeat until
// ctx is cancelled (by the caller on any terminal event), per spec §4.7
// Stage 5's "heartbeat scheduler runs concurrently... cancelled on any
// terminal event."
func (o *Orchestrator) runHeartbeat(ctx context.Context, emit func(sse.Event) error) {
	interval := o.timeouts.Heartbeat
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if emit(sse.Event{Type: sse.EventHeartbeat, Data: "heartbeat"}) != nil {
				return
			}
		}
	}
}

func (o *Orchestrator) emitError(w *sse.Writer, err error) {
	_ = w.Send(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Error: string(kindOf(err)), Message: err.Error()}})
}

func kindOf(err error) string {
	if err == nil {
		return ""
	}
	if ge, ok := err.(*gatewayerr.Error); ok {
		return string(ge.Kind)
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
