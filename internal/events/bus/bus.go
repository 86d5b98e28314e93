// Package bus fans session lifecycle and cache-invalidation events out to
// in-process or NATS subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix namespaces every subject this service publishes on.
const SubjectPrefix = "agentchat."

// Event is one session-scoped occurrence, e.g. a completed turn.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, sessionID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subject is where the event is published: agentchat.<type>.<session id>.
func (e *Event) Subject() string {
	return SubjectPrefix + e.Type + "." + e.SessionID
}

// SessionPattern matches every event of one session. Event types are two
// tokens long, e.g. turn.completed.
func SessionPattern(sessionID string) string {
	return SubjectPrefix + "*.*." + sessionID
}

// TypePattern matches one event type across all sessions.
func TypePattern(eventType string) string {
	return SubjectPrefix + eventType + ".*"
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-memory and NATS buses.
type EventBus interface {
	// Publish sends the event on its Subject.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers handler for a NATS-style subject pattern. Events of
	// one subscription are handled one at a time, in publish order.
	Subscribe(pattern string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
