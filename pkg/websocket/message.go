// Package websocket defines the chat wire protocol shared by the persistent
// WebSocket transport and the SSE push stream.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypeJoin      = "join"
	TypeMessage   = "message"
	TypeLeave     = "leave"
	TypeInterrupt = "interrupt"
)

// Outbound frame types. The SSE transport uses the same names as event names.
const (
	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypeSDKSessionID    = "sdk_session_id"
	TypeToolUse         = "tool_use"
	TypeToolResult      = "tool_result"
	TypeCacheInvalidate = "cache_invalidate"
	TypeDone            = "done"
	TypeError           = "error"
)

// ErrMissingType is returned for frames without a type discriminator.
var ErrMissingType = errors.New("frame has no type")

// Frame is an inbound client frame. Fields not used by Type are ignored.
type Frame struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id,omitempty"`
	SDKSessionID string `json:"sdk_session_id,omitempty"`
	Content      string `json:"content,omitempty"`
}

// ParseFrame decodes one inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// JoinedPayload confirms a join.
type JoinedPayload struct {
	RoomID  string `json:"room_id"`
	Resumed bool   `json:"resumed"`
}

// LeftPayload confirms a leave.
type LeftPayload struct {
	RoomID string `json:"room_id"`
}

// SDKSessionIDPayload carries the resumable backend token.
type SDKSessionIDPayload struct {
	SDKSessionID string `json:"sdk_session_id"`
}

// MessagePayload is one streamed text delta.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolUsePayload announces a tool invocation.
type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload reports a tool's outcome.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// CacheInvalidatePayload tells the client a mutation tool changed server data.
type CacheInvalidatePayload struct {
	ToolName     string          `json:"tool_name"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
}

// DonePayload ends a turn. SessionID and SDKSessionID are set on the push
// transport; Interrupted is set when the turn was stopped early.
type DonePayload struct {
	SessionID    string `json:"sessionId,omitempty"`
	SDKSessionID string `json:"sdk_session_id,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
}

// ErrorPayload reports a failure without closing the connection.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Encode renders an outbound frame: payload's fields flattened next to "type".
func Encode(frameType string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload for %s is not an object: %w", frameType, err)
		}
	}
	typ, _ := json.Marshal(frameType)
	fields["type"] = typ
	return json.Marshal(fields)
}
