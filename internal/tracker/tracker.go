// Package tracker implements the execution tracker of spec §4.9, a Go
// port of original_source's ExecutionTracker: per-thread stage timing
// trees with deterministic probabilistic sampling, kept entirely
// in-process (no KV dependency — thread data is cleared at request end
// and never needs to survive an instance restart).
package tracker

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// StageExecution is one timed segment of a request, tree-shaped via
// Substages.
type StageExecution struct {
	StageID    string
	StageName  string
	ThreadID   string
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMs int64
	Success    bool
	ErrorKind  string
	ErrorMsg   string
	Substages  []*StageExecution
}

// Tracker holds per-thread stage trees and the rolling per-stage
// duration samples get_stage_statistics aggregates over.
type Tracker struct {
	enabled    bool
	sampleRate float64

	mu      sync.Mutex
	threads map[string][]*StageExecution // top-level stages per thread, in open order
	history map[string][]durationSample  // stageID -> recent samples, newest last
	limit   int
}

type durationSample struct {
	durationMs int64
	success    bool
}

// New creates a Tracker. sampleRate is clamped to [0,1]. historyLimit
// bounds how many samples get_stage_statistics aggregates over per
// stage id (default 1000 if <= 0).
func New(enabled bool, sampleRate float64, historyLimit int) *Tracker {
	if sampleRate < 0 {
		sampleRate = 0
	}
	if sampleRate > 1 {
		sampleRate = 1
	}
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Tracker{
		enabled:    enabled,
		sampleRate: sampleRate,
		threads:    make(map[string][]*StageExecution),
		history:    make(map[string][]durationSample),
		limit:      historyLimit,
	}
}

// ShouldTrack deterministically decides whether threadID is tracked:
// hash(thread_id) mod 100 < sample_rate*100. It never panics — an
// empty threadID simply hashes to a fixed value. force, if true,
// overrides sampling and always tracks.
func (t *Tracker) ShouldTrack(threadID string, force bool) bool {
	if !t.enabled {
		return false
	}
	if force {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	bucket := h.Sum32() % 100
	return float64(bucket) < t.sampleRate*100
}

// Span is a handle returned by TrackStage/TrackSubstage; callers call
// End (directly, or via defer) to freeze the segment.
type Span struct {
	t       *Tracker
	stage   *StageExecution
	tracked bool
}

// TrackStage opens a top-level timed segment for threadID. If threadID
// isn't sampled (and force is false), the returned Span is a no-op: End
// does nothing and TrackSubstage on it returns another no-op Span, so
// callers don't need to branch on tracked-ness.
func (t *Tracker) TrackStage(stageID, stageName, threadID string, force bool) *Span {
	if !t.ShouldTrack(threadID, force) {
		return &Span{t: t}
	}

	s := &StageExecution{
		StageID:   stageID,
		StageName: stageName,
		ThreadID:  threadID,
		StartedAt: time.Now(),
	}

	t.mu.Lock()
	t.threads[threadID] = append(t.threads[threadID], s)
	t.mu.Unlock()

	return &Span{t: t, stage: s, tracked: true}
}

// TrackSubstage opens a nested segment under parent. A no-op parent
// (untracked) yields a no-op child.
func (parent *Span) TrackSubstage(stageID, stageName string) *Span {
	if !parent.tracked {
		return &Span{t: parent.t}
	}

	s := &StageExecution{
		StageID:   stageID,
		StageName: stageName,
		ThreadID:  parent.stage.ThreadID,
		StartedAt: time.Now(),
	}
	parent.stage.Substages = append(parent.stage.Substages, s)
	return &Span{t: parent.t, stage: s, tracked: true}
}

// End freezes the segment with success/failure info and records its
// duration into the stage's rolling history for get_stage_statistics.
// Calling End on a no-op Span does nothing.
func (s *Span) End(success bool, errKind, errMsg string) {
	if !s.tracked {
		return
	}
	s.stage.EndedAt = time.Now()
	s.stage.DurationMs = s.stage.EndedAt.Sub(s.stage.StartedAt).Milliseconds()
	s.stage.Success = success
	s.stage.ErrorKind = errKind
	s.stage.ErrorMsg = errMsg

	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history[s.stage.StageID]
	h = append(h, durationSample{durationMs: s.stage.DurationMs, success: success})
	if len(h) > t.limit {
		h = h[len(h)-t.limit:]
	}
	t.history[s.stage.StageID] = h
}

// ExecutionSummary is get_execution_summary's return shape.
type ExecutionSummary struct {
	TotalDurationMs int64
	StageCount      int
	Stages          []*StageExecution
	Success         bool
	FailedStages    []string
}

// GetExecutionSummary rolls up every top-level stage tracked for
// threadID. Success is true only if every top-level stage succeeded.
func (t *Tracker) GetExecutionSummary(threadID string) ExecutionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := t.threads[threadID]
	summary := ExecutionSummary{Stages: stages, StageCount: len(stages), Success: true}

	for _, s := range stages {
		summary.TotalDurationMs += s.DurationMs
		if !s.Success {
			summary.Success = false
			summary.FailedStages = append(summary.FailedStages, s.StageID)
		}
	}
	return summary
}

// StageStatistics is get_stage_statistics's return shape.
type StageStatistics struct {
	Count       int
	MeanMs      float64
	P50Ms       int64
	P95Ms       int64
	P99Ms       int64
	MinMs       int64
	MaxMs       int64
	SuccessRate float64
}

// GetStageStatistics aggregates the most recent limit samples recorded
// for stageID (or all of them if limit <= 0 or exceeds the history).
func (t *Tracker) GetStageStatistics(stageID string, limit int) StageStatistics {
	t.mu.Lock()
	samples := append([]durationSample(nil), t.history[stageID]...)
	t.mu.Unlock()

	if limit > 0 && limit < len(samples) {
		samples = samples[len(samples)-limit:]
	}
	if len(samples) == 0 {
		return StageStatistics{}
	}

	durations := make([]int64, len(samples))
	var sum int64
	var successes int
	for i, s := range samples {
		durations[i] = s.durationMs
		sum += s.durationMs
		if s.success {
			successes++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return StageStatistics{
		Count:       len(samples),
		MeanMs:      float64(sum) / float64(len(samples)),
		P50Ms:       percentile(durations, 50),
		P95Ms:       percentile(durations, 95),
		P99Ms:       percentile(durations, 99),
		MinMs:       durations[0],
		MaxMs:       durations[len(durations)-1],
		SuccessRate: float64(successes) / float64(len(samples)),
	}
}

func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ClearThreadData frees the stage tree for threadID. It must be called
// on every request's completion path (success, error, or client
// disconnect) so memory doesn't grow unbounded.
func (t *Tracker) ClearThreadData(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, threadID)
}
