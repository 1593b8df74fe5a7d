package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags one entry in a job's event log.
type EventType string

const (
	EventMeta  EventType = "meta"
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Known reports whether the type is one the log accepts. Blocks carrying
// anything else are skipped by the task runner.
func (t EventType) Known() bool {
	switch t {
	case EventMeta, EventChunk, EventDone, EventError:
		return true
	}
	return false
}

// Terminal reports whether the event ends the run.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is one immutable, ordered entry in a job's event log. IDs start at 1
// and only reset when the whole log is reset after expiry.
type Event struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Envelope serializes the event for the wire: the JSON payload augmented with
// the originating event id, so a client can resume with that id as its cursor.
// Payloads that are not JSON objects are nested under a "data" key.
func (e Event) Envelope() []byte {
	m := map[string]any{}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &m); err != nil || m == nil {
			m = map[string]any{"data": json.RawMessage(e.Data)}
		}
	}
	m["id"] = e.ID
	b, err := json.Marshal(m)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"id":%d}`, e.ID))
	}
	return b
}

// ErrorMessage extracts the human-readable message from an error event's
// payload, falling back to the raw payload text.
func (e Event) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(e.Data)
}

// ErrorData builds the payload for an error event.
func ErrorData(message string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"message": message})
	return b
}
