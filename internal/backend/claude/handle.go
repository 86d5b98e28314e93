// Package claude implements backend handles over the Claude Code CLI stream-json protocol.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/pkg/claudecode"
)

const (
	postToolUseCallbackID = "post_tool_use"

	// settleTimeout bounds how long Submit waits for an interrupted turn's
	// trailing result before sending the next prompt.
	settleTimeout = 10 * time.Second
)

// HandleConfig configures a handle over an already running CLI.
type HandleConfig struct {
	SessionID   string
	ResumeToken string
	InitTimeout time.Duration
	// HookMatcher limits which tools trigger the PostToolUse hook. Empty means all tools.
	HookMatcher  string
	OnToolResult backend.ToolHook
	// OnClose runs once when the handle is closed, e.g. to stop the subprocess.
	OnClose func()
}

// Handle is one Claude CLI conversation.
type Handle struct {
	client *claudecode.Client
	stdin  io.Closer
	cfg    HandleConfig
	logger *logger.Logger

	mu      sync.Mutex
	token   string
	current *backend.Stream
	// settling is non-nil while an interrupted turn's result is still pending.
	settling chan struct{}
	closed   bool

	closeOnce sync.Once
}

// NewHandle connects to a CLI speaking stream-json on stdin/stdout and runs the
// initialize handshake. The PostToolUse hook is registered here, once per handle.
func NewHandle(ctx context.Context, stdin io.WriteCloser, stdout io.Reader, cfg HandleConfig, log *logger.Logger) (*Handle, error) {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 60 * time.Second
	}

	h := &Handle{
		stdin:  stdin,
		cfg:    cfg,
		token:  cfg.ResumeToken,
		logger: log.WithFields(zap.String("component", "claude-handle"), zap.String("session_id", cfg.SessionID)),
	}
	h.client = claudecode.NewClient(stdin, stdout, claudecode.Handlers{
		Message: h.handleMessage,
		Request: h.handleControlRequest,
	}, log)
	h.client.Start()
	go h.watchReadLoop()

	hooks := map[string][]claudecode.HookMatcher{
		claudecode.HookPostToolUse: {{
			Matcher:         cfg.HookMatcher,
			HookCallbackIDs: []string{postToolUseCallbackID},
		}},
	}
	initCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()
	if _, err := h.client.Initialize(initCtx, hooks); err != nil {
		h.shutdown()
		if cfg.ResumeToken != "" {
			return nil, fmt.Errorf("%w: token %s: %v", backend.ErrResumeFailed, cfg.ResumeToken, err)
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrConnectionFailed, err)
	}

	h.logger.Info("claude handle initialized", zap.Bool("resumed", cfg.ResumeToken != ""))
	return h, nil
}

// Token returns the CLI session id, which doubles as the resume token.
func (h *Handle) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// Submit sends a user turn. The returned stream ends after the turn's result message.
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
	h.current = stream
	h.mu.Unlock()

	if err := h.client.SendUserMessage(text); err != nil {
		h.endTurn(stream, fmt.Errorf("%w: %v", backend.ErrStreamAborted, err))
		return nil, fmt.Errorf("%w: %v", backend.ErrStreamAborted, err)
	}
	return stream, nil
}

// Interrupt stops the turn in flight. The current stream ends with ErrInterrupted
// at once; the CLI's trailing result for that turn is discarded when it arrives.
func (h *Handle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	stream := h.current
	if stream == nil || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.current = nil
	h.settling = make(chan struct{})
	h.mu.Unlock()

	stream.Interrupt()

	if err := h.client.Interrupt(ctx); err != nil {
		h.logger.Warn("interrupt request failed", zap.Error(err))
		return err
	}
	return nil
}

// Close stops the client and releases the CLI. It is idempotent.
func (h *Handle) Close() error {
	h.shutdown()
	return nil
}

func (h *Handle) shutdown() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		stream := h.current
		h.current = nil
		h.settleLocked()
		h.mu.Unlock()

		if stream != nil {
			stream.Finish(fmt.Errorf("%w: handle closed", backend.ErrStreamAborted))
		}
		_ = h.stdin.Close()
		if h.cfg.OnClose != nil {
			h.cfg.OnClose()
		}
		h.logger.Debug("claude handle closed")
	})
}

func (h *Handle) waitSettled(ctx context.Context) error {
	h.mu.Lock()
	settling := h.settling
	h.mu.Unlock()
	if settling == nil {
		return nil
	}

	select {
	case <-settling:
	case <-time.After(settleTimeout):
		h.logger.Warn("interrupted turn did not settle, continuing")
		h.mu.Lock()
		h.settleLocked()
		h.mu.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", backend.ErrStreamAborted, ctx.Err())
	}
	return nil
}

func (h *Handle) settleLocked() {
	if h.settling != nil {
		close(h.settling)
		h.settling = nil
	}
}

func (h *Handle) endTurn(stream *backend.Stream, err error) {
	h.mu.Lock()
	if h.current == stream {
		h.current = nil
	}
	h.mu.Unlock()
	stream.Finish(err)
}

// watchReadLoop aborts the turn in flight when the CLI's stdout closes.
func (h *Handle) watchReadLoop() {
	<-h.client.Done()

	h.mu.Lock()
	stream := h.current
	h.current = nil
	h.closed = true
	h.settleLocked()
	h.mu.Unlock()

	if stream != nil {
		stream.Finish(fmt.Errorf("%w: agent output closed: %v", backend.ErrStreamAborted, h.client.Err()))
	}
}

func (h *Handle) handleMessage(msg *claudecode.CLIMessage) {
	h.mu.Lock()
	if msg.SessionID != "" {
		h.token = msg.SessionID
	}
	stream := h.current
	if msg.Type == claudecode.MessageTypeResult {
		if stream == nil {
			// Trailing result of an interrupted turn.
			h.settleLocked()
		} else {
			h.current = nil
		}
	}
	h.mu.Unlock()

	if stream == nil {
		return
	}

	if msg.Type != claudecode.MessageTypeResult {
		stream.Send(msg)
		return
	}

	if msg.IsError {
		stream.Finish(fmt.Errorf("%w: %s", backend.ErrStreamAborted, resultError(msg)))
		return
	}
	stream.Send(msg)
	stream.Finish(nil)
}

func resultError(msg *claudecode.CLIMessage) string {
	if msg.Result != "" {
		return msg.Result
	}
	if msg.Subtype != "" {
		return strings.ReplaceAll(msg.Subtype, "_", " ")
	}
	return "agent reported an error"
}

func (h *Handle) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	switch req.Subtype {
	case claudecode.SubtypeHookCallback:
		h.handleHookCallback(requestID, req)
	case claudecode.SubtypeCanUseTool:
		// Tool policy is enforced through --allowedTools; anything the CLI asks about is allowed.
		if err := h.client.SendControlResponse(requestID, claudecode.PermissionResult{
			Behavior:     claudecode.BehaviorAllow,
			UpdatedInput: req.Input,
		}); err != nil {
			h.logger.Warn("failed to answer permission request", zap.Error(err))
		}
	default:
		if err := h.client.SendControlError(requestID, "unsupported control request: "+req.Subtype); err != nil {
			h.logger.Warn("failed to reject control request", zap.Error(err))
		}
	}
}

func (h *Handle) handleHookCallback(requestID string, req *claudecode.ControlRequest) {
	in, err := req.HookInput()
	if err != nil {
		h.logger.Warn("invalid hook input", zap.Error(err))
	} else if in.HookEventName == claudecode.HookPostToolUse && h.cfg.OnToolResult != nil {
		h.cfg.OnToolResult(in.ToolName, responseOrNull(in.ToolResponse))
	}

	if err := h.client.SendControlResponse(requestID, map[string]any{}); err != nil {
		h.logger.Warn("failed to acknowledge hook callback", zap.Error(err))
	}
}

func responseOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
