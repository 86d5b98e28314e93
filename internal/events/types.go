// Package events defines the event types published by agentchat and builds the event bus.
package events

// Event types for session lifecycle
const (
	SessionCreated = "session.created"
	SessionRemoved = "session.removed"
)

// Event types for session turns
const (
	TurnStarted     = "turn.started"
	TurnCompleted   = "turn.completed"
	TurnInterrupted = "turn.interrupted"
	TurnFailed      = "turn.failed"
)

// CacheInvalidated is published for every forwarded side-channel notification.
const CacheInvalidated = "cache.invalidated"
