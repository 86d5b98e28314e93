package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/session"
	ws "github.com/kandev/agentchat/pkg/websocket"
)

func TestFrame(t *testing.T) {
	tests := []struct {
		name    string
		out     session.Output
		typ     string
		payload any
		ok      bool
	}{
		{
			name:    "text delta",
			out:     session.Output{Kind: session.OutEvent, Event: session.Event{Kind: session.KindTextDelta, Text: "Hel"}},
			typ:     ws.TypeMessage,
			payload: ws.MessagePayload{Role: "assistant", Content: "Hel"},
			ok:      true,
		},
		{
			name:    "tool use",
			out:     session.Output{Kind: session.OutEvent, Event: session.Event{Kind: session.KindToolUse, ToolID: "t1", ToolName: "search", Input: json.RawMessage(`{}`)}},
			typ:     ws.TypeToolUse,
			payload: ws.ToolUsePayload{ID: "t1", Name: "search", Input: json.RawMessage(`{}`)},
			ok:      true,
		},
		{
			name:    "tool result",
			out:     session.Output{Kind: session.OutEvent, Event: session.Event{Kind: session.KindToolResult, ToolID: "t1", Content: "no", IsError: true}},
			typ:     ws.TypeToolResult,
			payload: ws.ToolResultPayload{ToolUseID: "t1", Content: "no", IsError: true},
			ok:      true,
		},
		{
			name:    "invalidation with plain text response",
			out:     session.Output{Kind: session.OutInvalidation, Invalidation: session.Invalidation{ToolName: "create_document", ToolResponse: json.RawMessage(`created`)}},
			typ:     ws.TypeCacheInvalidate,
			payload: ws.CacheInvalidatePayload{ToolName: "create_document", ToolResponse: json.RawMessage(`"created"`)},
			ok:      true,
		},
		{
			name: "done is framed by the transport",
			out:  session.Output{Kind: session.OutDone, Token: "T1"},
		},
		{
			name: "turn complete has no frame",
			out:  session.Output{Kind: session.OutEvent, Event: session.Event{Kind: session.KindTurnComplete}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, payload, ok := Frame(tt.out)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func TestError(t *testing.T) {
	p := Error(fmt.Errorf("%w: exit status 1", backend.ErrStreamAborted))
	assert.Equal(t, "stream_aborted", p.Code)
	assert.NotEmpty(t, p.Error)

	assert.Equal(t, "session_busy", Error(session.ErrSessionBusy).Code)
}

func TestValidateMessage(t *testing.T) {
	assert.Nil(t, ValidateMessage("héllo", 5))
	assert.NotNil(t, ValidateMessage("héllo!", 5))
	assert.NotNil(t, ValidateMessage("\n\t", 5))
	assert.Nil(t, ValidateMessage(strings.Repeat("x", 100), 0))
}
