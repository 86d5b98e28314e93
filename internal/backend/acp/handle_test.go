package acp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fakeConn struct {
	mu      sync.Mutex
	prompts []string
	cancels int

	cancelled chan struct{}
	script    func(ctx context.Context, prompt string) (acp.PromptResponse, error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{cancelled: make(chan struct{}, 1)}
}

func (f *fakeConn) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	text := ""
	if len(req.Prompt) > 0 && req.Prompt[0].Text != nil {
		text = req.Prompt[0].Text.Text
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	script := f.script
	f.mu.Unlock()
	return script(ctx, text)
}

func (f *fakeConn) Cancel(ctx context.Context, n acp.CancelNotification) error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	f.cancelled <- struct{}{}
	return nil
}

func notify(sid string, u acp.SessionUpdate) acp.SessionNotification {
	return acp.SessionNotification{SessionId: acp.SessionId(sid), Update: u}
}

func drain(t *testing.T, s *backend.Stream) ([]backend.RawEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var evs []backend.RawEvent
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
}

func TestHandle_TurnStreamsUpdatesAndEnds(t *testing.T) {
	conn := newFakeConn()
	var hooked []string
	var h *Handle
	h = NewHandle(conn, "acp-1", HandleConfig{
		SessionID: "s1",
		OnToolResult: func(name string, resp json.RawMessage) {
			hooked = append(hooked, name+" "+string(resp))
		},
	}, newTestLogger(t))

	conn.script = func(ctx context.Context, prompt string) (acp.PromptResponse, error) {
		h.HandleUpdate(notify("acp-1", acp.UpdateAgentMessageText("Hi")))
		h.HandleUpdate(notify("other", acp.UpdateAgentMessageText("not mine")))
		h.HandleUpdate(notify("acp-1", acp.StartToolCall("t1", "create_document")))
		done := acp.UpdateToolCall("t1", acp.WithUpdateStatus(acp.ToolCallStatusCompleted))
		done.ToolCallUpdate.RawOutput = map[string]any{"id": "d1"}
		h.HandleUpdate(notify("acp-1", done))
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	}

	stream, err := h.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	evs, err := drain(t, stream)
	assert.Equal(t, io.EOF, err)
	require.Len(t, evs, 4)
	end, ok := evs[3].(backend.TurnEnd)
	require.True(t, ok)
	assert.Equal(t, "acp-1", end.Token)
	assert.Equal(t, string(acp.StopReasonEndTurn), end.StopReason)

	assert.Equal(t, []string{`create_document {"id":"d1"}`}, hooked)
	assert.Equal(t, []string{"Hello"}, conn.prompts)
	assert.Equal(t, "acp-1", h.Token())
}

func TestHandle_InterruptCancelsPrompt(t *testing.T) {
	conn := newFakeConn()
	h := NewHandle(conn, "acp-1", HandleConfig{SessionID: "s1"}, newTestLogger(t))

	started := make(chan struct{})
	conn.script = func(ctx context.Context, prompt string) (acp.PromptResponse, error) {
		if prompt == "second" {
			return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
		}
		close(started)
		<-conn.cancelled
		return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
	}

	stream, err := h.Submit(context.Background(), "first")
	require.NoError(t, err)
	<-started

	_, err = h.Submit(context.Background(), "overlap")
	assert.ErrorIs(t, err, backend.ErrTurnInProgress)

	require.NoError(t, h.Interrupt(context.Background()))
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, backend.ErrInterrupted)

	next, err := h.Submit(context.Background(), "second")
	require.NoError(t, err)
	_, err = drain(t, next)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 1, conn.cancels)
}

func TestHandle_InterruptWithoutTurnIsNoop(t *testing.T) {
	conn := newFakeConn()
	h := NewHandle(conn, "acp-1", HandleConfig{}, newTestLogger(t))

	require.NoError(t, h.Interrupt(context.Background()))
	assert.Equal(t, 0, conn.cancels)
}

func TestHandle_AgentCancelledStopReason(t *testing.T) {
	conn := newFakeConn()
	h := NewHandle(conn, "acp-1", HandleConfig{}, newTestLogger(t))
	conn.script = func(ctx context.Context, prompt string) (acp.PromptResponse, error) {
		return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
	}

	stream, err := h.Submit(context.Background(), "x")
	require.NoError(t, err)
	_, err = drain(t, stream)
	assert.ErrorIs(t, err, backend.ErrInterrupted)
}

func TestHandle_PromptErrorAbortsStream(t *testing.T) {
	conn := newFakeConn()
	h := NewHandle(conn, "acp-1", HandleConfig{}, newTestLogger(t))
	conn.script = func(ctx context.Context, prompt string) (acp.PromptResponse, error) {
		return acp.PromptResponse{}, errors.New("peer disconnected")
	}

	stream, err := h.Submit(context.Background(), "x")
	require.NoError(t, err)
	_, err = drain(t, stream)
	assert.ErrorIs(t, err, backend.ErrStreamAborted)
	assert.Contains(t, err.Error(), "peer disconnected")

	conn.script = func(ctx context.Context, prompt string) (acp.PromptResponse, error) {
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	}
	stream, err = h.Submit(context.Background(), "retry")
	require.NoError(t, err)
	_, err = drain(t, stream)
	assert.Equal(t, io.EOF, err)
}

func TestHandle_UpdatesOutsideTurnAreDropped(t *testing.T) {
	conn := newFakeConn()
	hooks := 0
	h := NewHandle(conn, "acp-1", HandleConfig{
		OnToolResult: func(string, json.RawMessage) { hooks++ },
	}, newTestLogger(t))

	h.HandleUpdate(notify("acp-1", acp.StartToolCall("old", "create_document")))
	h.HandleUpdate(notify("acp-1", acp.UpdateToolCall("old", acp.WithUpdateStatus(acp.ToolCallStatusCompleted))))
	assert.Equal(t, 0, hooks)
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	closes := 0
	h := NewHandle(conn, "acp-1", HandleConfig{OnClose: func() { closes++ }}, newTestLogger(t))

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, closes)

	_, err := h.Submit(context.Background(), "x")
	assert.ErrorIs(t, err, backend.ErrClosed)
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "create_document", ToolName("create_document", "edit"))
	assert.Equal(t, "edit", ToolName("", "edit"))
}

func permissionRequest(kind acp.ToolKind, title string) acp.RequestPermissionRequest {
	req := acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{
			{OptionId: "always", Name: "Always allow", Kind: acp.PermissionOptionKindAllowAlways},
			{OptionId: "reject", Name: "Reject", Kind: permissionRejectOnce},
			{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		},
	}
	req.ToolCall.ToolCallId = "tc1"
	req.ToolCall.Kind = &kind
	req.ToolCall.Title = &title
	return req
}

func TestClient_RequestPermission(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		kind    acp.ToolKind
		title   string
		want    acp.PermissionOptionId
	}{
		{"empty policy allows", nil, "execute", "rm -rf", "always"},
		{"kind prefix allowed", []string{"read"}, "read", "cat a.txt", "always"},
		{"title prefix allowed", []string{"mcp__docs"}, "other", "mcp__docs__create", "always"},
		{"not allowed is rejected", []string{"read"}, "execute", "rm -rf", "reject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(ToolPolicy{Allowed: tt.allowed}, newTestLogger(t))
			resp, err := c.RequestPermission(context.Background(), permissionRequest(tt.kind, tt.title))
			require.NoError(t, err)
			require.NotNil(t, resp.Outcome.Selected)
			assert.Equal(t, tt.want, resp.Outcome.Selected.OptionId)
		})
	}
}

func TestClient_RequestPermissionWithoutOptionsCancels(t *testing.T) {
	c := NewClient(ToolPolicy{}, newTestLogger(t))
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)

	c = NewClient(ToolPolicy{Allowed: []string{"read"}}, newTestLogger(t))
	req := permissionRequest("execute", "ls")
	req.Options = req.Options[:1]
	resp, err = c.RequestPermission(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled, "only an allow option is offered for a denied tool")
}

func TestClient_ForwardsUpdates(t *testing.T) {
	c := NewClient(ToolPolicy{}, newTestLogger(t))
	require.NoError(t, c.SessionUpdate(context.Background(), notify("a", acp.UpdateAgentMessageText("dropped"))))

	var got []acp.SessionNotification
	c.Attach(func(n acp.SessionNotification) { got = append(got, n) })
	require.NoError(t, c.SessionUpdate(context.Background(), notify("a", acp.UpdateAgentMessageText("kept"))))
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Update.AgentMessageChunk.Content.Text.Text)

	_, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "/etc/passwd"})
	assert.ErrorIs(t, err, errUnsupported)
}
