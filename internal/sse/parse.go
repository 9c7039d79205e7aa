package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Parse reads one event block (as produced by Format) from raw and
// returns the reconstructed Event. raw must not include the trailing
// "data: [DONE]\n\n" sentinel. It is the inverse of Format for every
// event type, used by tests to assert the round-trip property and by
// the failover publisher to recognise relayed error events.
func Parse(raw string) (Event, error) {
	scanner := bufio.NewScanner(strings.NewReader(raw))

	var e Event
	var dataLine string
	sawData := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "id: "):
			e.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			e.Type = EventType(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
			sawData = true
		default:
			return Event{}, fmt.Errorf("sse: unrecognized line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return Event{}, err
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("sse: missing event: line")
	}
	if !sawData {
		return Event{}, fmt.Errorf("sse: missing data: line")
	}

	switch e.Type {
	case EventStatus, EventHeartbeat:
		e.Data = dataLine
	case EventChunk:
		var d ChunkData
		if err := json.Unmarshal([]byte(dataLine), &d); err != nil {
			return Event{}, fmt.Errorf("sse: decoding chunk data: %w", err)
		}
		e.Data = d
	case EventComplete:
		var d CompleteData
		if err := json.Unmarshal([]byte(dataLine), &d); err != nil {
			return Event{}, fmt.Errorf("sse: decoding complete data: %w", err)
		}
		e.Data = d
	case EventError:
		var d ErrorData
		if err := json.Unmarshal([]byte(dataLine), &d); err != nil {
			return Event{}, fmt.Errorf("sse: decoding error data: %w", err)
		}
		e.Data = d
	default:
		return Event{}, fmt.Errorf("sse: unknown event type %q", e.Type)
	}

	return e, nil
}
