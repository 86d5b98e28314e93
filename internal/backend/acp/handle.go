package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/common/logger"
)

const (
	// settleTimeout bounds how long Submit waits for a cancelled prompt to return.
	settleTimeout = 10 * time.Second

	toolStatusCompleted = "completed"
	toolStatusFailed    = "failed"
)

// agentConn is the part of acp.ClientSideConnection a handle drives after setup.
type agentConn interface {
	Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error)
	Cancel(ctx context.Context, params acp.CancelNotification) error
}

// HandleConfig configures a handle over an established ACP session.
type HandleConfig struct {
	SessionID    string
	OnToolResult backend.ToolHook
	// OnClose runs once when the handle is closed, e.g. to stop the subprocess.
	OnClose func()
}

// Handle is one ACP session. The ACP session id is the resume token.
type Handle struct {
	conn      agentConn
	sessionID acp.SessionId
	cfg       HandleConfig
	logger    *logger.Logger

	mu      sync.Mutex
	current *backend.Stream
	// prompting is closed when the last Prompt call returns.
	prompting chan struct{}
	cancel    context.CancelFunc
	toolNames map[acp.ToolCallId]string
	closed    bool

	closeOnce sync.Once
}

// NewHandle wraps an ACP session. Route the connection's session updates to HandleUpdate.
func NewHandle(conn agentConn, sessionID acp.SessionId, cfg HandleConfig, log *logger.Logger) *Handle {
	return &Handle{
		conn:      conn,
		sessionID: sessionID,
		cfg:       cfg,
		toolNames: make(map[acp.ToolCallId]string),
		logger: log.WithFields(
			zap.String("component", "acp-handle"),
			zap.String("session_id", cfg.SessionID),
			zap.String("acp_session_id", string(sessionID))),
	}
}

// Token returns the ACP session id.
func (h *Handle) Token() string {
	return string(h.sessionID)
}

// Submit starts a prompt. The stream carries the agent's session updates and
// ends with a backend.TurnEnd when the prompt call returns.
func (h *Handle) Submit(ctx context.Context, text string) (*backend.Stream, error) {
	if err := h.waitSettled(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, backend.ErrClosed
	}
	if h.current != nil {
		h.mu.Unlock()
		return nil, backend.ErrTurnInProgress
	}
	stream := backend.NewStream()
	promptCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.current = stream
	h.cancel = cancel
	h.prompting = done
	h.mu.Unlock()

	go h.runPrompt(promptCtx, stream, text, done)
	return stream, nil
}

func (h *Handle) runPrompt(ctx context.Context, stream *backend.Stream, text string, done chan struct{}) {
	defer close(done)

	resp, err := h.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: h.sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})

	h.mu.Lock()
	if h.current == stream {
		h.current = nil
	}
	h.mu.Unlock()

	switch {
	case stream.Interrupted():
		// Interrupt already ended the stream; this is the agent acknowledging it.
	case err != nil:
		stream.Finish(fmt.Errorf("%w: prompt: %v", backend.ErrStreamAborted, err))
	case string(resp.StopReason) == string(acp.StopReasonCancelled):
		stream.Interrupt()
	default:
		stream.Send(backend.TurnEnd{Token: string(h.sessionID), StopReason: string(resp.StopReason)})
		stream.Finish(nil)
	}
}

// Interrupt cancels the prompt in flight. The stream ends with ErrInterrupted at once.
func (h *Handle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	stream := h.current
	if stream == nil || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.current = nil
	h.mu.Unlock()

	stream.Interrupt()

	if err := h.conn.Cancel(ctx, acp.CancelNotification{SessionId: h.sessionID}); err != nil {
		h.logger.Warn("cancel notification failed", zap.Error(err))
		return err
	}
	return nil
}

// Close aborts any prompt and releases the agent. It is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		stream := h.current
		h.current = nil
		cancel := h.cancel
		h.mu.Unlock()

		if stream != nil {
			stream.Finish(fmt.Errorf("%w: handle closed", backend.ErrStreamAborted))
		}
		if cancel != nil {
			cancel()
		}
		if h.cfg.OnClose != nil {
			h.cfg.OnClose()
		}
		h.logger.Debug("acp handle closed")
	})
	return nil
}

func (h *Handle) waitSettled(ctx context.Context) error {
	h.mu.Lock()
	prompting := h.prompting
	busy := h.current != nil
	h.mu.Unlock()
	if prompting == nil || busy {
		return nil
	}

	select {
	case <-prompting:
	case <-time.After(settleTimeout):
		h.logger.Warn("cancelled prompt did not return, continuing")
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", backend.ErrStreamAborted, ctx.Err())
	}
	return nil
}

// HandleUpdate receives the agent's session/update notifications. Updates
// outside a turn, such as history replayed by session/load, are dropped.
func (h *Handle) HandleUpdate(n acp.SessionNotification) {
	if n.SessionId != h.sessionID {
		return
	}

	h.mu.Lock()
	stream := h.current
	var hookName string
	var hookOutput any
	fireHook := false
	if stream != nil {
		u := n.Update
		switch {
		case u.ToolCall != nil:
			h.toolNames[u.ToolCall.ToolCallId] = ToolName(u.ToolCall.Title, string(u.ToolCall.Kind))
		case u.ToolCallUpdate != nil && u.ToolCallUpdate.Status != nil:
			status := string(*u.ToolCallUpdate.Status)
			id := u.ToolCallUpdate.ToolCallId
			if status == toolStatusCompleted {
				hookName, fireHook = h.toolNames[id]
				hookOutput = u.ToolCallUpdate.RawOutput
			}
			if status == toolStatusCompleted || status == toolStatusFailed {
				delete(h.toolNames, id)
			}
		}
	}
	h.mu.Unlock()

	if stream == nil {
		return
	}
	if fireHook && h.cfg.OnToolResult != nil {
		h.cfg.OnToolResult(hookName, marshalOutput(hookOutput))
	}
	stream.Send(n.Update)
}

// ToolName is the name a tool call is reported under: its title, or its kind
// when the agent sends no title.
func ToolName(title, kind string) string {
	if title != "" {
		return title
	}
	return kind
}

func marshalOutput(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
