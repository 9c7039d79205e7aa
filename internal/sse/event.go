// Package sse implements the gateway's Server-Sent-Events wire format:
// one Event type, five event kinds, and the writer that flushes each
// event to an http.ResponseWriter as it's produced.
package sse

import (
	"encoding/json"
	"fmt"
)

// EventType is one of the five kinds of event the gateway emits.
type EventType string

const (
	EventStatus    EventType = "status"
	EventChunk     EventType = "chunk"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one server-sent event. Data is either a raw string (status,
// heartbeat) or a JSON-serializable value (chunk, complete, error); ID
// is optional correlation metadata.
type Event struct {
	Type EventType
	Data any
	ID   string
}

// ChunkData is the payload shape for a chunk event.
type ChunkData struct {
	Content string `json:"content"`
	Cached  bool   `json:"cached,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// ErrorData is the payload shape for an error event.
type ErrorData struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CompleteData is the payload shape for a complete event.
type CompleteData struct {
	ThreadID   string `json:"thread_id"`
	ChunkCount int    `json:"chunk_count"`
	TotalLength int   `json:"total_length"`
	DurationMs int64  `json:"duration_ms"`
	Cached     bool   `json:"cached"`
}

// Format renders e in the wire form spec'd for /stream:
//
//	[id: <id>\n]
//	event: <type>\n
//	data: <payload>\n
//	\n
//
// status/heartbeat payloads are written as a raw string; chunk/complete/
// error payloads are JSON-encoded.
func Format(e Event) (string, error) {
	var payload string
	switch e.Type {
	case EventStatus, EventHeartbeat:
		s, ok := e.Data.(string)
		if !ok {
			return "", fmt.Errorf("sse: %s event requires a string Data, got %T", e.Type, e.Data)
		}
		payload = s
	default:
		b, err := json.Marshal(e.Data)
		if err != nil {
			return "", fmt.Errorf("sse: marshaling %s event data: %w", e.Type, err)
		}
		payload = string(b)
	}

	var out string
	if e.ID != "" {
		out += fmt.Sprintf("id: %s\n", e.ID)
	}
	out += fmt.Sprintf("event: %s\n", e.Type)
	out += fmt.Sprintf("data: %s\n", payload)
	out += "\n"
	return out, nil
}

// Done is the terminal sentinel line written after the last event.
const Done = "data: [DONE]\n\n"
