package sse

import (
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriterConcurrentSendDoesNotInterleave exercises the scenario the
// orchestrator relies on: a heartbeat goroutine and the main pipeline
// loop both calling Send/WriteRaw on the same Writer. Without Writer's
// mutex this races under -race and can interleave partial writes.
func TestWriterConcurrentSendDoesNotInterleave(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec, "thread-race")
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = w.Send(Event{Type: EventHeartbeat, Data: ""})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = w.Send(Event{Type: EventChunk, Data: ChunkData{Content: "x", Index: i}})
		}
	}()
	wg.Wait()

	require.NoError(t, w.Close())

	body := rec.Body.String()
	events := 0
	for i := 0; i+len("event: ") <= len(body); i++ {
		if body[i:i+len("event: ")] == "event: " {
			events++
		}
	}
	require.Equal(t, 2*n, events, "every Send must produce exactly one well-formed event line, never a corrupted merge")
}
