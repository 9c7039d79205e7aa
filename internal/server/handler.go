package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmgateway/internal/breaker"
	"github.com/howard-nolan/llmgateway/internal/gatewayerr"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/sse"
)

// streamRequestBody is the wire shape of POST /stream's JSON body.
type streamRequestBody struct {
	Query    string  `json:"query"`
	Model    string  `json:"model"`
	Provider *string `json:"provider,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// handleStream decodes the request, fills in thread/user identity from
// headers, runs the premium-aware rate limit, and hands off to the
// orchestrator's six-stage pipeline via an SSE writer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body streamRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	threadID := r.Header.Get("X-Thread-Id")
	if threadID == "" {
		threadID = uuid.NewString()
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.RemoteAddr
	}
	premium := r.Header.Get("X-Premium-User") == "true"

	if !s.limiter.Allow(userID, premium) {
		w.Header().Set("Retry-After", "60")
		err := gatewayerr.New(gatewayerr.KindRateLimitExceeded, "rate limit exceeded").WithThread(threadID)
		writeJSONError(w, statusFor(err), err)
		return
	}

	writer, err := sse.NewWriter(w, threadID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	req := &provider.StreamRequest{
		Query:    body.Query,
		Model:    body.Model,
		Provider: body.Provider,
		ThreadID: threadID,
		UserID:   userID,
		Priority: provider.PriorityNormal,
	}
	if premium {
		req.Priority = provider.PriorityHigh
	}

	if err := s.orch.Stream(r.Context(), writer, req); err != nil {
		s.log.Warn("stream ended with error", "thread_id", threadID, "error", err)
	}
	_ = writer.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleHealthLive always reports alive as long as the process can
// answer at all — a liveness probe must never depend on downstream
// state, or a Redis blip triggers an unnecessary restart.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleHealthReady reports whether the instance should receive traffic:
// unready only if the KV store is configured and unreachable.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.kvClient != nil {
		if err := s.kvClient.Ping(r.Context()); err != nil {
			ready = false
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": readyStatus(ready)})
}

func readyStatus(ready bool) string {
	if ready {
		return "ready"
	}
	return "not_ready"
}

// handleHealthDetailed reports the pool's health bucket, whether it has
// degraded to local counters, and every registered provider's circuit
// state — the operator-facing view of spec §6's health surface.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kvReachable := true
	if s.kvClient != nil {
		kvReachable = s.kvClient.Ping(ctx) == nil
	}

	circuits := make(map[string]string)
	for _, name := range s.activeRegistry().Names() {
		cb := s.activeRegistry().Breaker(name)
		circuits[name] = string(breakerState(ctx, cb))
	}

	resp := map[string]any{
		"status":           "ok",
		"kv_reachable":     kvReachable,
		"pool_state":       string(s.pool.State(ctx)),
		"pool_degraded":    s.pool.Degraded(),
		"circuit_breakers": circuits,
	}
	if s.bus != nil {
		if depth, err := s.bus.Depth(ctx); err == nil {
			resp["queue_depth"] = depth
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func breakerState(ctx context.Context, cb *breaker.Breaker) breaker.State {
	if cb == nil {
		return breaker.StateClosed
	}
	return cb.GetState(ctx)
}

// handleExecutionStats reports aggregated per-stage timing statistics.
// A stage_id query parameter narrows to one stage; otherwise the two
// top-level stage ids the orchestrator tracks are both reported.
func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if stageID := r.URL.Query().Get("stage_id"); stageID != "" {
		_ = json.NewEncoder(w).Encode(s.tracker.GetStageStatistics(stageID, limit))
		return
	}

	stats := map[string]any{
		"stream":   s.tracker.GetStageStatistics("stream", limit),
		"pipeline": s.tracker.GetStageStatistics("pipeline", limit),
	}
	_ = json.NewEncoder(w).Encode(stats)
}

// handleCircuitBreakers reports every registered provider's circuit
// state and failure count.
func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	type entry struct {
		State    string `json:"state"`
		Failures int64  `json:"failures"`
	}
	out := make(map[string]entry)
	reg := s.activeRegistry()
	for _, name := range reg.Names() {
		cb := reg.Breaker(name)
		if cb == nil {
			out[name] = entry{State: string(breaker.StateClosed)}
			continue
		}
		out[name] = entry{State: string(cb.GetState(ctx)), Failures: cb.Failures(ctx)}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleGetConfig reports the live, runtime-toggleable feature flags.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.featuresMu.Lock()
	features := s.features
	s.featuresMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"use_fake_llm":   features.UseFakeLLM,
		"enable_caching": features.EnableCaching,
		"queue_type":     s.cfg.Queue.Type,
	})
}

// configUpdate is the partial-update body for POST /admin/config. A nil
// field leaves that setting unchanged.
type configUpdate struct {
	UseFakeLLM    *bool   `json:"use_fake_llm"`
	EnableCaching *bool   `json:"enable_caching"`
	QueueType     *string `json:"queue_type"`
}

// handlePostConfig flips the admin-toggleable feature flags at runtime.
// use_fake_llm swaps the orchestrator's active registry; enable_caching
// flips the orchestrator's cache gate. queue_type is accepted and
// echoed back but not hot-swapped — changing the message bus backing
// requires restarting the consumer worker against the new backing, so
// it only takes effect on the next process start.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	s.featuresMu.Lock()
	if update.UseFakeLLM != nil {
		s.features.UseFakeLLM = *update.UseFakeLLM
		if *update.UseFakeLLM && s.fakeRegistry != nil {
			s.orch.SetRegistry(s.fakeRegistry)
		} else {
			s.orch.SetRegistry(s.registry)
		}
	}
	if update.EnableCaching != nil {
		s.features.EnableCaching = *update.EnableCaching
		s.orch.SetCachingEnabled(*update.EnableCaching)
	}
	if update.QueueType != nil && *update.QueueType != s.cfg.Queue.Type {
		s.log.Warn("queue_type change requested but requires a restart to take effect",
			"requested", *update.QueueType, "active", s.cfg.Queue.Type)
	}
	features := s.features
	s.featuresMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"use_fake_llm":   features.UseFakeLLM,
		"enable_caching": features.EnableCaching,
		"queue_type":     s.cfg.Queue.Type,
	})
}

// activeRegistry returns whichever registry the orchestrator is
// currently dispatching through, based on the last-applied feature flag.
func (s *Server) activeRegistry() *provider.Registry {
	s.featuresMu.Lock()
	defer s.featuresMu.Unlock()
	if s.features.UseFakeLLM && s.fakeRegistry != nil {
		return s.fakeRegistry
	}
	return s.registry
}
