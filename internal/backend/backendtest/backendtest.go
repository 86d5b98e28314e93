// Package backendtest provides a scripted in-memory backend for testing the
// chat transports without an agent process.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/pkg/claudecode"
)

// Script plays one turn on its own goroutine. It ends the turn with Complete or
// Abort, or returns after Interrupted fires.
type Script func(t *Turn)

// Echo answers each turn with its text in two deltas and completes with token.
func Echo(token string) Script {
	return func(t *Turn) {
		half := len(t.Text) / 2
		t.Delta(t.Text[:half])
		t.Delta(t.Text[half:])
		t.Complete(token)
	}
}

// Hang streams one delta and waits for an interrupt.
func Hang(t *Turn) {
	t.Delta("thinking")
	<-t.Interrupted()
}

// Opener hands out scripted handles.
type Opener struct {
	Script       Script
	RejectResume bool
	FailOpen     error

	mu      sync.Mutex
	opens   []backend.OpenOptions
	handles []*Handle
}

// Open implements backend.Opener.
func (o *Opener) Open(ctx context.Context, opts backend.OpenOptions) (backend.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens = append(o.opens, opts)
	if o.FailOpen != nil {
		return nil, o.FailOpen
	}
	if opts.ResumeToken != "" && o.RejectResume {
		return nil, fmt.Errorf("%w: unknown token %q", backend.ErrResumeFailed, opts.ResumeToken)
	}
	script := o.Script
	if script == nil {
		script = Echo("tok-1")
	}
	h := &Handle{script: script, hook: opts.OnToolResult, token: opts.ResumeToken}
	o.handles = append(o.handles, h)
	return h, nil
}

// Opens returns the options of every Open call so far.
func (o *Opener) Opens() []backend.OpenOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]backend.OpenOptions(nil), o.opens...)
}

// Handles returns every handle opened so far.
func (o *Opener) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Handle(nil), o.handles...)
}

// Handle is a scripted backend.Handle.
type Handle struct {
	script Script
	hook   backend.ToolHook

	mu      sync.Mutex
	token   string
	current *Turn
	submits []string
	closed  bool
}

// Token implements backend.Handle.
func (h *Handle) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// Submit implements backend.Handle.
func (h *Handle) Submit(ctx context.Context, text string) (*backend.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.ErrClosed
	}
	if h.current != nil {
		return nil, backend.ErrTurnInProgress
	}
	t := &Turn{Text: text, h: h, st: backend.NewStream(), interrupted: make(chan struct{})}
	h.current = t
	h.submits = append(h.submits, text)
	go h.script(t)
	return t.st, nil
}

// Interrupt implements backend.Handle.
func (h *Handle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	t := h.current
	h.current = nil
	h.mu.Unlock()
	if t != nil {
		t.st.Interrupt()
		t.once.Do(func() { close(t.interrupted) })
	}
	return nil
}

// Close implements backend.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	t := h.current
	h.current = nil
	h.closed = true
	h.mu.Unlock()
	if t != nil {
		t.st.Finish(fmt.Errorf("%w: handle closed", backend.ErrStreamAborted))
		t.once.Do(func() { close(t.interrupted) })
	}
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Submits returns the text of every submitted turn.
func (h *Handle) Submits() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.submits...)
}

func (h *Handle) finish(t *Turn, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token != "" {
		h.token = token
	}
	if h.current == t {
		h.current = nil
	}
}

// Turn is the script's view of one submitted turn.
type Turn struct {
	Text string

	h           *Handle
	st          *backend.Stream
	interrupted chan struct{}
	once        sync.Once
}

// Interrupted is closed when the turn is interrupted or its handle closed.
func (t *Turn) Interrupted() <-chan struct{} { return t.interrupted }

// Delta streams a text delta.
func (t *Turn) Delta(text string) {
	t.st.Send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeStreamEvent,
		Event: &claudecode.StreamEvent{
			Type:  claudecode.EventContentDelta,
			Delta: &claudecode.Delta{Type: claudecode.DeltaText, Text: text},
		},
	})
}

// ToolUse announces a tool call with an empty input.
func (t *Turn) ToolUse(id, name string) {
	t.st.Send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.Message{Role: "assistant", Content: claudecode.Content{
			{Type: claudecode.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(`{}`)},
		}},
	})
}

// ToolResult reports a tool's outcome and fires the tool hook with content.
func (t *Turn) ToolResult(id, name, content string) {
	raw, _ := json.Marshal(content)
	if t.h.hook != nil {
		t.h.hook(name, raw)
	}
	t.st.Send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeUser,
		Message: &claudecode.Message{Role: "user", Content: claudecode.Content{
			{Type: claudecode.BlockToolResult, ToolUseID: id, Content: raw},
		}},
	})
}

// Complete ends the turn successfully with token.
func (t *Turn) Complete(token string) {
	t.h.finish(t, token)
	t.st.Send(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult, Subtype: "success", SessionID: token})
	t.st.Finish(nil)
}

// Abort ends the turn abnormally.
func (t *Turn) Abort(reason string) {
	t.h.finish(t, "")
	t.st.Finish(fmt.Errorf("%w: %s", backend.ErrStreamAborted, reason))
}
