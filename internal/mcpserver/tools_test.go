package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentchat/internal/backend/backendtest"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

const testID = "6f1c1d8e-2b7a-4c1e-9a55-0d4b8e2f7c10"

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	reg := session.NewRegistry(session.Options{Opener: &backendtest.Opener{}, Logger: logger.NewNop()})
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestListSessions(t *testing.T) {
	reg := newRegistry(t)
	_, _, err := reg.GetOrCreate(context.Background(), testID, session.CreateOptions{})
	require.NoError(t, err)

	text, isErr := call(t, listSessionsHandler(reg), nil)
	assert.False(t, isErr)

	var got struct {
		Stats    session.Stats  `json:"stats"`
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	assert.Equal(t, 1, got.Stats.Sessions)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, testID, got.Sessions[0].ID)
}

func TestInterruptAndRemoveSession(t *testing.T) {
	reg := newRegistry(t)
	log := logger.NewNop()

	_, isErr := call(t, interruptSessionHandler(reg, log), map[string]any{"session_id": testID})
	assert.True(t, isErr, "unknown session")

	_, isErr = call(t, removeSessionHandler(reg, log), map[string]any{})
	assert.True(t, isErr, "missing argument")

	_, _, err := reg.GetOrCreate(context.Background(), testID, session.CreateOptions{})
	require.NoError(t, err)

	text, isErr := call(t, interruptSessionHandler(reg, log), map[string]any{"session_id": testID})
	assert.False(t, isErr)
	assert.Contains(t, text, "interrupted")

	text, isErr = call(t, removeSessionHandler(reg, log), map[string]any{"session_id": testID})
	assert.False(t, isErr)
	assert.Contains(t, text, "removed")

	_, err = reg.Get(testID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestServer_StreamableInitialize(t *testing.T) {
	srv := New(":0", newRegistry(t), logger.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathMCP, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), serverName)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	srv := New(":0", newRegistry(t), logger.NewNop())
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * stopTimeout):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_RunListenError(t *testing.T) {
	srv := New("not-an-address", newRegistry(t), logger.NewNop())
	assert.Error(t, srv.Run(context.Background()))
}
