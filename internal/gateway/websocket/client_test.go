package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentchat/internal/backend/backendtest"
	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/session"
)

const roomID = "6f1c1d8e-2b7a-4c1e-9a55-0d4b8e2f7c10"

type testEnv struct {
	server   *httptest.Server
	registry *session.Registry
	gateway  *Gateway
	stopHub  context.CancelFunc
}

func newTestEnv(t *testing.T, opener *backendtest.Opener) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := session.NewRegistry(session.Options{
		Opener: opener,
		Bridge: session.NewBridge([]string{"create_document"}),
		Logger: logger.NewNop(),
	})
	gw := NewGateway(reg, config.ServerConfig{MaxMessageLength: 100}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Hub.Run(ctx)

	r := gin.New()
	gw.SetupRoutes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = reg.Shutdown(context.Background())
	})
	return &testEnv{server: srv, registry: reg, gateway: gw, stopHub: cancel}
}

func (e *testEnv) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/chat/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func read(t *testing.T, conn *gorillaws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil reads frames up to and including the first of type stop.
func readUntil(t *testing.T, conn *gorillaws.Conn, stop string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		f := read(t, conn)
		frames = append(frames, f)
		if f["type"] == stop {
			return frames
		}
	}
}

func types(frames []map[string]any) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func join(t *testing.T, conn *gorillaws.Conn, extra map[string]any) map[string]any {
	t.Helper()
	frame := map[string]any{"type": "join", "room_id": roomID}
	for k, v := range extra {
		frame[k] = v
	}
	send(t, conn, frame)
	joined := read(t, conn)
	require.Equal(t, "joined", joined["type"], "got %v", joined)
	return joined
}

func TestClient_JoinMessageDone(t *testing.T) {
	env := newTestEnv(t, &backendtest.Opener{Script: backendtest.Echo("T1")})
	conn := env.dial(t)

	joined := join(t, conn, nil)
	assert.Equal(t, roomID, joined["room_id"])
	assert.Equal(t, false, joined["resumed"])

	send(t, conn, map[string]any{"type": "message", "content": "Hello"})
	frames := readUntil(t, conn, "done")
	assert.Equal(t, []string{"message", "message", "sdk_session_id", "done"}, types(frames))
	assert.Equal(t, "He", frames[0]["content"])
	assert.Equal(t, "assistant", frames[0]["role"])
	assert.Equal(t, "T1", frames[2]["sdk_session_id"])

	send(t, conn, map[string]any{"type": "message", "content": "Again"})
	frames = readUntil(t, conn, "done")
	assert.Equal(t, []string{"message", "message", "done"}, types(frames), "the token is sent once")
}

func TestClient_MessageBeforeJoin(t *testing.T) {
	env := newTestEnv(t, &backendtest.Opener{})
	conn := env.dial(t)

	send(t, conn, map[string]any{"type": "message", "content": "Hello"})
	f := read(t, conn)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "not_joined", f["code"])
}

func TestClient_RejectsBadFrames(t *testing.T) {
	env := newTestEnv(t, &backendtest.Opener{})
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))
	assert.Equal(t, "validation_error", read(t, conn)["code"])

	send(t, conn, map[string]any{"type": "bogus"})
	assert.Equal(t, "validation_error", read(t, conn)["code"])

	send(t, conn, map[string]any{"type": "join", "room_id": "room-1"})
	assert.Equal(t, "invalid_session_id", read(t, conn)["code"])

	join(t, conn, nil)
	send(t, conn, map[string]any{"type": "message", "content": strings.Repeat("x", 101)})
	assert.Equal(t, "validation_error", read(t, conn)["code"])
}

func TestClient_DisconnectKeepsSession(t *testing.T) {
	opener := &backendtest.Opener{Script: backendtest.Echo("T1")}
	env := newTestEnv(t, opener)

	first := env.dial(t)
	join(t, first, nil)
	send(t, first, map[string]any{"type": "message", "content": "Hello"})
	readUntil(t, first, "done")
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		s, err := env.registry.Get(roomID)
		return err == nil && s.Info().Attached == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.gateway.Hub.GetClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	second := env.dial(t)
	join(t, second, nil)
	send(t, second, map[string]any{"type": "message", "content": "Continue"})
	readUntil(t, second, "done")

	assert.Len(t, opener.Opens(), 1, "the reconnect reuses the live handle")
	assert.Equal(t, []string{"Hello", "Continue"}, opener.Handles()[0].Submits())
}

func TestClient_JoinWithResumeToken(t *testing.T) {
	t.Run("resumed", func(t *testing.T) {
		opener := &backendtest.Opener{}
		env := newTestEnv(t, opener)
		joined := join(t, env.dial(t), map[string]any{"sdk_session_id": "T1"})
		assert.Equal(t, true, joined["resumed"])
		assert.Equal(t, "T1", opener.Opens()[0].ResumeToken)
	})

	t.Run("rejected token falls back to fresh", func(t *testing.T) {
		opener := &backendtest.Opener{RejectResume: true}
		env := newTestEnv(t, opener)
		joined := join(t, env.dial(t), map[string]any{"sdk_session_id": "stale"})
		assert.Equal(t, false, joined["resumed"])
		assert.Len(t, opener.Opens(), 2)
	})
}

func TestClient_Interrupt(t *testing.T) {
	env := newTestEnv(t, &backendtest.Opener{Script: backendtest.Hang})
	conn := env.dial(t)
	join(t, conn, nil)

	send(t, conn, map[string]any{"type": "message", "content": "think hard"})
	assert.Equal(t, "message", read(t, conn)["type"])

	send(t, conn, map[string]any{"type": "interrupt"})
	frames := readUntil(t, conn, "done")
	assert.Equal(t, true, frames[len(frames)-1]["interrupted"])

	s, err := env.registry.Get(roomID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.State() == session.StateIdle }, time.Second, 5*time.Millisecond)
}

func TestClient_TurnErrorKeepsConnection(t *testing.T) {
	script := func(tr *backendtest.Turn) {
		if tr.Text == "fail" {
			tr.Abort("exit status 1")
			return
		}
		backendtest.Echo("T1")(tr)
	}
	env := newTestEnv(t, &backendtest.Opener{Script: script})
	conn := env.dial(t)
	join(t, conn, nil)

	send(t, conn, map[string]any{"type": "message", "content": "fail"})
	f := readUntil(t, conn, "error")
	assert.Equal(t, "stream_aborted", f[len(f)-1]["code"])

	send(t, conn, map[string]any{"type": "message", "content": "retry"})
	frames := readUntil(t, conn, "done")
	assert.Contains(t, types(frames), "message")
}

func TestClient_LeaveRemovesSession(t *testing.T) {
	env := newTestEnv(t, &backendtest.Opener{})
	conn := env.dial(t)
	join(t, conn, nil)
	assert.Equal(t, 1, env.gateway.Hub.RoomClientCount(roomID))

	send(t, conn, map[string]any{"type": "leave"})
	f := read(t, conn)
	assert.Equal(t, "left", f["type"])
	assert.Equal(t, roomID, f["room_id"])

	_, err := env.registry.Get(roomID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Equal(t, 0, env.gateway.Hub.RoomClientCount(roomID))

	send(t, conn, map[string]any{"type": "leave"})
	assert.Equal(t, "not_joined", read(t, conn)["code"])
}

func TestClient_HubShutdownInterruptsDetachedTurn(t *testing.T) {
	env := newTestEnv(t, &backendtest.Opener{Script: backendtest.Hang})
	conn := env.dial(t)
	join(t, conn, nil)

	send(t, conn, map[string]any{"type": "message", "content": "think hard"})
	assert.Equal(t, "message", read(t, conn)["type"])

	s, err := env.registry.Get(roomID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, s.State())

	env.stopHub()
	<-env.gateway.Hub.Done()
	assert.Eventually(t, func() bool { return s.State() == session.StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestClient_SlowReaderReceivesWholeTurn(t *testing.T) {
	c := NewClient("slow", nil, NewHub(logger.NewNop()), nil, 100, logger.NewNop())
	s := &session.Session{}
	const deltas = 2*sendBuffer + 44

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < deltas; i++ {
			c.emit(s, session.Output{Kind: session.OutEvent, Event: session.Event{Kind: session.KindTextDelta, Text: "x"}})
		}
		c.emit(s, session.Output{Kind: session.OutInvalidation, Invalidation: session.Invalidation{ToolName: "create_document"}})
		c.emit(s, session.Output{Kind: session.OutDone, Token: "T1"})
	}()

	// The emitter stalls on the full buffer instead of dropping frames.
	require.Eventually(t, func() bool { return len(c.send) == sendBuffer }, time.Second, 5*time.Millisecond)
	select {
	case <-emitted:
		t.Fatal("emitter finished before the reader drained the buffer")
	default:
	}

	counts := map[string]int{}
	var last string
	for last != "done" {
		select {
		case data := <-c.send:
			last, _ = decodeFrame(t, data)["type"].(string)
			counts[last]++
		case <-time.After(2 * time.Second):
			t.Fatalf("turn stalled after %v", counts)
		}
	}
	<-emitted
	assert.Equal(t, deltas, counts["message"])
	assert.Equal(t, 1, counts["cache_invalidate"])
	assert.Equal(t, 1, counts["done"])
}

func TestClient_CloseReleasesBlockedSender(t *testing.T) {
	c := NewClient("gone", nil, NewHub(logger.NewNop()), nil, 100, logger.NewNop())
	for i := 0; i < sendBuffer; i++ {
		c.sendFrame("message", map[string]string{"content": "x"})
	}

	released := make(chan struct{})
	go func() {
		defer close(released)
		c.sendFrame("done", map[string]bool{"interrupted": false})
	}()

	c.closeSend()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after close")
	}
	c.closeSend()
	c.sendFrame("message", map[string]string{"content": "late"})
	assert.Len(t, c.send, sendBuffer)
}
