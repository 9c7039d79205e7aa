package sse

import (
	"fmt"
	"net/http"
	"sync"
)

// Writer flushes Events to an http.ResponseWriter as they're produced.
// The orchestrator calls it once per event across its six stages, and
// interleaves heartbeats from a separate goroutine — mu serializes
// those concurrent writers so two events can never interleave their
// bytes on the wire.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the SSE response headers and returns a Writer, or an
// error if w doesn't support flushing.
func NewWriter(w http.ResponseWriter, threadID string) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Thread-Id", threadID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Send formats and flushes one event immediately.
func (sw *Writer) Send(e Event) error {
	line, err := Format(e)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, line); err != nil {
		return fmt.Errorf("sse: writing event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteRaw flushes a pre-formatted wire block verbatim. Used by the
// queue-failover publisher, which relays event text the consumer
// worker already formatted with Format on another instance.
func (sw *Writer) WriteRaw(line string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, line); err != nil {
		return fmt.Errorf("sse: writing raw event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Close writes the terminal [DONE] sentinel. Callers must send at most
// one terminal event (complete or error) before calling Close.
func (sw *Writer) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, Done); err != nil {
		return fmt.Errorf("sse: writing done sentinel: %w", err)
	}
	sw.flusher.Flush()
	return nil
}
