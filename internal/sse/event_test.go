package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTripsStatus(t *testing.T) {
	e := Event{Type: EventStatus, Data: "cached", ID: "req-1"}
	raw, err := Format(e)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestFormatParseRoundTripsChunk(t *testing.T) {
	e := Event{Type: EventChunk, Data: ChunkData{Content: "hello", Cached: true, Index: 2}}
	raw, err := Format(e)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, e.Type, got.Type)
	require.Equal(t, e.Data, got.Data)
}

func TestFormatParseRoundTripsComplete(t *testing.T) {
	e := Event{Type: EventComplete, Data: CompleteData{ThreadID: "t1", ChunkCount: 3, TotalLength: 12, DurationMs: 42, Cached: false}}
	raw, err := Format(e)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, e.Data, got.Data)
}

func TestFormatParseRoundTripsError(t *testing.T) {
	e := Event{Type: EventError, Data: ErrorData{Error: "PROVIDER_TIMEOUT", Message: "upstream timed out"}}
	raw, err := Format(e)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, e.Data, got.Data)
}

func TestFormatParseRoundTripsHeartbeat(t *testing.T) {
	e := Event{Type: EventHeartbeat, Data: ""}
	raw, err := Format(e)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, e.Type, got.Type)
}

func TestFormatRejectsNonStringStatusData(t *testing.T) {
	_, err := Format(Event{Type: EventStatus, Data: 42})
	require.Error(t, err)
}

func TestWriterSendsHeadersAndEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec, "thread-123")
	require.NoError(t, err)

	require.NoError(t, w.Send(Event{Type: EventChunk, Data: ChunkData{Content: "hi"}}))
	require.NoError(t, w.Send(Event{Type: EventComplete, Data: CompleteData{ThreadID: "thread-123", ChunkCount: 1}}))
	require.NoError(t, w.Close())

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "thread-123", rec.Header().Get("X-Thread-Id"))
	require.Contains(t, rec.Body.String(), "event: chunk\n")
	require.Contains(t, rec.Body.String(), "data: [DONE]\n\n")
}
