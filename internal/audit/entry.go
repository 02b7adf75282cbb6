// Package audit defines the append-only transition log and an optional
// JSONL journal of lifecycle events.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actors recorded for transitions not made by a caller.
const (
	ActorPolicy = "policy"
	ActorSystem = "system"
)

// Entry is one audit row. Entries are written together with the
// transition they describe and are never updated or deleted.
type Entry struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEntry builds an entry with a fresh id.
func NewEntry(requestID, eventType, actor string, at time.Time, details map[string]any) Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Entry{
		ID:        id.String(),
		RequestID: requestID,
		EventType: eventType,
		Actor:     actor,
		Details:   details,
		CreatedAt: at.UTC(),
	}
}
