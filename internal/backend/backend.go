// Package backend defines the connection contract between a chat session and
// the agent process serving it.
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// Errors surfaced by handles. Concrete failures wrap one of these.
var (
	// ErrConnectionFailed means the backend could not be reached or initialized.
	ErrConnectionFailed = errors.New("backend connection failed")
	// ErrResumeFailed means the backend refused the resume token. Callers fall back to a fresh open.
	ErrResumeFailed = errors.New("backend resume failed")
	// ErrStreamAborted means a turn's event stream ended abnormally.
	ErrStreamAborted = errors.New("backend stream aborted")
	// ErrInterrupted is the terminal state of a stream stopped by Interrupt.
	ErrInterrupted = errors.New("turn interrupted")
	// ErrTurnInProgress is returned by Submit while a previous turn is still streaming.
	ErrTurnInProgress = errors.New("turn already in progress")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("backend handle closed")
)

// RawEvent is one backend message in its native shape: *claudecode.CLIMessage for
// the Claude CLI, acp.SessionUpdate for ACP agents, or TurnEnd for backends that
// report completion out of band.
type RawEvent any

// TurnEnd marks the end of a turn for backends whose completion is a call return
// rather than a message on the stream.
type TurnEnd struct {
	Token      string
	StopReason string
}

// ToolHook is invoked by a handle after the backend executes a tool. It must not block.
type ToolHook func(toolName string, toolResponse json.RawMessage)

// OpenOptions configure a new handle.
type OpenOptions struct {
	// SessionID is the client-visible session id, used for logging.
	SessionID string
	// ResumeToken resumes a prior backend conversation when set.
	ResumeToken string
	// OnToolResult receives every executed tool's name and response.
	OnToolResult ToolHook
}

// Opener creates handles.
type Opener interface {
	// Open starts a backend conversation. A rejected ResumeToken yields an error
	// wrapping ErrResumeFailed; an unreachable backend yields ErrConnectionFailed.
	Open(ctx context.Context, opts OpenOptions) (Handle, error)
}

// Handle is one live conversation with the backend.
type Handle interface {
	// Token returns the backend conversation token known so far, or "".
	Token() string
	// Submit sends one user turn and returns its event stream.
	Submit(ctx context.Context, text string) (*Stream, error)
	// Interrupt stops the turn in flight, if any. The current stream ends with ErrInterrupted.
	Interrupt(ctx context.Context) error
	// Close releases the backend resource. It is idempotent.
	Close() error
}
