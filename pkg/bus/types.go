// Package bus implements the append-only, file-backed message bus that
// carries coordination events between the PM daemon and agent processes.
// Rather than a server-side pub/sub system, it appends events to a
// single shared JSONL log: events are appended by every participant,
// and each consumer tracks its own read offset in a small JSON file.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the coordination-event kind.
type Type string

const (
	TypeNotify    Type = "notify"
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeBroadcast Type = "broadcast"
)

// Priority is the delivery priority hint carried on every event.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ToPM is the routing target consumed exclusively by PM.
const ToPM = "PM"

// ToBroadcast is the routing target every subscriber observes.
const ToBroadcast = "*"

// Event is a single append-only line in bus.jsonl.
type Event struct {
	ID       string          `json:"id"`
	TS       time.Time       `json:"ts"`
	Type     Type            `json:"type"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Topic    string          `json:"topic"`
	Priority Priority        `json:"priority"`
	TTLMS    int64           `json:"ttl_ms,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Expired reports whether the event's ttl_ms has elapsed relative to now.
// An expired event is skipped by readers, never deleted — compaction
// (log rotation) is the only thing that removes bus lines.
func (e Event) Expired(now time.Time) bool {
	if e.TTLMS <= 0 {
		return false
	}
	return now.After(e.TS.Add(time.Duration(e.TTLMS) * time.Millisecond))
}

// NewEventID returns a new, non-identity-bearing unique id for a bus
// event. Unlike session ids, bus event ids carry no ordering
// requirement, so a plain random UUID (not the session package's
// sortable scheme) is the right tool here.
func NewEventID() string {
	return uuid.NewString()
}
