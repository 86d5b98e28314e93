// Package wire maps turn outputs onto chat protocol frames. Both transports
// use it so the push and persistent variants carry identical payloads.
package wire

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	apperrors "github.com/kandev/agentchat/internal/common/errors"
	"github.com/kandev/agentchat/internal/session"
	ws "github.com/kandev/agentchat/pkg/websocket"
)

// Frame returns the frame type and payload for a non-terminal output. ok is
// false for done and error outputs, which each transport frames itself.
func Frame(o session.Output) (frameType string, payload any, ok bool) {
	switch o.Kind {
	case session.OutEvent:
		return Event(o.Event)
	case session.OutInvalidation:
		return ws.TypeCacheInvalidate, ws.CacheInvalidatePayload{
			ToolName:     o.Invalidation.ToolName,
			ToolResponse: jsonOrString(o.Invalidation.ToolResponse),
		}, true
	}
	return "", nil, false
}

// Event frames one normalized event. TurnComplete has no frame of its own.
func Event(ev session.Event) (string, any, bool) {
	switch ev.Kind {
	case session.KindTextDelta:
		return ws.TypeMessage, ws.MessagePayload{Role: "assistant", Content: ev.Text}, true
	case session.KindToolUse:
		return ws.TypeToolUse, ws.ToolUsePayload{ID: ev.ToolID, Name: ev.ToolName, Input: ev.Input}, true
	case session.KindToolResult:
		return ws.TypeToolResult, ws.ToolResultPayload{ToolUseID: ev.ToolID, Content: ev.Content, IsError: ev.IsError}, true
	}
	return "", nil, false
}

// Error renders err as a client error payload with a stable code.
func Error(err error) ws.ErrorPayload {
	appErr := apperrors.FromSession(err)
	return ws.ErrorPayload{Error: appErr.Message, Code: appErr.Code}
}

// jsonOrString keeps valid JSON responses as-is and quotes anything else so the
// frame stays valid JSON.
func jsonOrString(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// ValidateMessage rejects blank turn text and text longer than maxLen runes.
// A maxLen of zero disables the length check.
func ValidateMessage(message string, maxLen int) *apperrors.AppError {
	if strings.TrimSpace(message) == "" {
		return apperrors.ValidationError("message", "must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(message) > maxLen {
		return apperrors.ValidationError("message", "exceeds the maximum length")
	}
	return nil
}
