package session

import (
	"encoding/json"

	"github.com/coder/acp-go-sdk"

	"github.com/kandev/agentchat/internal/backend"
	acpbackend "github.com/kandev/agentchat/internal/backend/acp"
	"github.com/kandev/agentchat/pkg/claudecode"
)

// EventKind identifies a normalized event.
type EventKind string

const (
	KindTextDelta    EventKind = "text_delta"
	KindToolUse      EventKind = "tool_use"
	KindToolResult   EventKind = "tool_result"
	KindTurnComplete EventKind = "turn_complete"
)

// Event is a backend-independent turn event. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	// text_delta
	Text string

	// tool_use and tool_result
	ToolID   string
	ToolName string
	Input    json.RawMessage
	Content  string
	IsError  bool

	// turn_complete
	Token string
}

// Normalize maps one raw backend event to zero or more normalized events, in
// order. It has no side effects. Text comes only from streamed deltas; final
// assistant text and result summaries are ignored so text is never emitted twice.
func Normalize(raw backend.RawEvent) []Event {
	switch ev := raw.(type) {
	case *claudecode.CLIMessage:
		return normalizeCLI(ev)
	case acp.SessionUpdate:
		return normalizeACP(ev)
	case backend.TurnEnd:
		return []Event{{Kind: KindTurnComplete, Token: ev.Token}}
	default:
		return nil
	}
}

func normalizeCLI(msg *claudecode.CLIMessage) []Event {
	// Subagent traffic stays internal to the tool call that spawned it.
	if msg.ParentToolUseID != "" {
		return nil
	}

	switch msg.Type {
	case claudecode.MessageTypeStreamEvent:
		e := msg.Event
		if e == nil || e.Type != claudecode.EventContentDelta || e.Delta == nil {
			return nil
		}
		if e.Delta.Type != claudecode.DeltaText || e.Delta.Text == "" {
			return nil
		}
		return []Event{{Kind: KindTextDelta, Text: e.Delta.Text}}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return nil
		}
		var out []Event
		for _, b := range msg.Message.Content {
			if b.Type != claudecode.BlockToolUse {
				continue
			}
			out = append(out, Event{Kind: KindToolUse, ToolID: b.ID, ToolName: b.Name, Input: inputOrEmpty(b.Input)})
		}
		return out

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return nil
		}
		var out []Event
		for i := range msg.Message.Content {
			b := &msg.Message.Content[i]
			if b.Type != claudecode.BlockToolResult {
				continue
			}
			out = append(out, Event{
				Kind:    KindToolResult,
				ToolID:  b.ToolUseID,
				Content: b.ResultText(),
				IsError: b.IsError != nil && *b.IsError,
			})
		}
		return out

	case claudecode.MessageTypeResult:
		if msg.IsError {
			return nil
		}
		return []Event{{Kind: KindTurnComplete, Token: msg.SessionID}}
	}
	return nil
}

func normalizeACP(u acp.SessionUpdate) []Event {
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil || u.AgentMessageChunk.Content.Text.Text == "" {
			return nil
		}
		return []Event{{Kind: KindTextDelta, Text: u.AgentMessageChunk.Content.Text.Text}}

	case u.ToolCall != nil:
		return []Event{{
			Kind:     KindToolUse,
			ToolID:   string(u.ToolCall.ToolCallId),
			ToolName: acpbackend.ToolName(u.ToolCall.Title, string(u.ToolCall.Kind)),
			Input:    marshalOrEmpty(u.ToolCall.RawInput),
		}}

	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status == nil {
			return nil
		}
		status := string(*u.ToolCallUpdate.Status)
		if status != "completed" && status != "failed" {
			return nil
		}
		return []Event{{
			Kind:    KindToolResult,
			ToolID:  string(u.ToolCallUpdate.ToolCallId),
			Content: acpResultText(u),
			IsError: status == "failed",
		}}
	}
	return nil
}

func acpResultText(u acp.SessionUpdate) string {
	for _, c := range u.ToolCallUpdate.Content {
		if c.Content != nil && c.Content.Content.Text != nil {
			return c.Content.Content.Text.Text
		}
	}
	if u.ToolCallUpdate.RawOutput == nil {
		return ""
	}
	if s, ok := u.ToolCallUpdate.RawOutput.(string); ok {
		return s
	}
	return string(marshalOrEmpty(u.ToolCallUpdate.RawOutput))
}

func inputOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func marshalOrEmpty(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
