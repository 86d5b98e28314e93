// Package claudecode provides types and client for the Claude Code CLI stream-json protocol.
// Claude Code uses a streaming JSON format over stdin/stdout with control requests for hooks,
// permissions and interrupts.
package claudecode

import (
	"encoding/json"
	"strings"
)

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the system message carrying session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains complete assistant content blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back into the conversation
	MessageTypeUser = "user"
	// MessageTypeStreamEvent is a partial message update (--include-partial-messages)
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeResult is the final message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook, interrupt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes
const (
	SubtypeInitialize   = "initialize"
	SubtypeInterrupt    = "interrupt"
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
)

// Control response subtypes
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// Content block and stream event types
const (
	BlockText         = "text"
	BlockThinking     = "thinking"
	BlockToolUse      = "tool_use"
	BlockToolResult   = "tool_result"
	EventContentDelta = "content_block_delta"
	DeltaText         = "text_delta"
)

// Hook events
const (
	HookPostToolUse = "PostToolUse"
	HookPreToolUse  = "PreToolUse"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage is one line read from the CLI's stdout. The type determines which fields are set.
type CLIMessage struct {
	Type            string `json:"type"`
	Subtype         string `json:"subtype,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response
	Response *ControlResponse `json:"response,omitempty"`

	// assistant and user
	Message *Message `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// result
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// Message is the body of assistant and user messages.
type Message struct {
	ID         string  `json:"id,omitempty"`
	Role       string  `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
}

// Content is a list of content blocks. A bare JSON string decodes to a single text block.
type Content []ContentBlock

// UnmarshalJSON accepts both the string and the array form.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock represents one block of message content.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result; Content is a string or a list of text blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result's content into plain text.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []ContentBlock
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == BlockText {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return string(b.Content)
}

// StreamEvent is the raw API event wrapped by a stream_event message.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}

// Delta is an incremental update inside a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ControlRequest is a request from the CLI (permission check or hook callback).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName string `json:"tool_name,omitempty"`

	// can_use_tool carries the tool input, hook_callback carries a HookInput
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string `json:"callback_id,omitempty"`
}

// HookInput decodes the payload of a hook_callback request.
func (r *ControlRequest) HookInput() (*HookInput, error) {
	var in HookInput
	if len(r.Input) == 0 {
		return &in, nil
	}
	if err := json.Unmarshal(r.Input, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// HookInput is what the CLI sends to a registered hook.
type HookInput struct {
	HookEventName string          `json:"hook_event_name"`
	SessionID     string          `json:"session_id,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse  json.RawMessage `json:"tool_response,omitempty"`
}

// ControlResponse is the body of a control_response in either direction.
type ControlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ControlResponseMessage wraps a ControlResponse for the wire.
type ControlResponseMessage struct {
	Type     string          `json:"type"` // "control_response"
	Response ControlResponse `json:"response"`
}

// PermissionResult answers a can_use_tool request.
type PermissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string                   `json:"subtype"`
	Hooks   map[string][]HookMatcher `json:"hooks,omitempty"`
}

// HookMatcher registers callback ids for tools whose names match Matcher (a regex, empty for all).
type HookMatcher struct {
	Matcher         string   `json:"matcher,omitempty"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
