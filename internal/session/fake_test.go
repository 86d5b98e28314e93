package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/pkg/claudecode"
)

const (
	testID  = "6f1c1d8e-2b7a-4c1e-9a55-0d4b8e2f7c10"
	otherID = "0b9a6c3e-8d7f-4a21-b6e4-5c3d2e1f0a99"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// script plays one turn onto st. It runs on its own goroutine.
type script func(h *fakeHandle, st *backend.Stream, text string)

// fakeHandle is a scripted backend.Handle that speaks Claude CLI messages.
type fakeHandle struct {
	resumeToken string
	onTool      backend.ToolHook
	play        script
	closeErr    error

	mu          sync.Mutex
	token       string
	current     *backend.Stream
	submits     []string
	interrupts  int
	closes      int
	interrupted chan struct{}
	intrOnce    sync.Once
}

func (h *fakeHandle) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *fakeHandle) Submit(ctx context.Context, text string) (*backend.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closes > 0 {
		return nil, backend.ErrClosed
	}
	if h.current != nil {
		return nil, backend.ErrTurnInProgress
	}
	st := backend.NewStream()
	h.current = st
	h.submits = append(h.submits, text)
	go h.play(h, st, text)
	return st, nil
}

func (h *fakeHandle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	h.interrupts++
	h.current.Interrupt()
	h.current = nil
	h.intrOnce.Do(func() { close(h.interrupted) })
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	if h.current != nil {
		h.current.Finish(fmt.Errorf("%w: closed", backend.ErrStreamAborted))
		h.current = nil
	}
	return h.closeErr
}

func (h *fakeHandle) stats() (submits []string, interrupts, closes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.submits...), h.interrupts, h.closes
}

func (h *fakeHandle) delta(st *backend.Stream, text string) {
	st.Send(&claudecode.CLIMessage{
		Type:  claudecode.MessageTypeStreamEvent,
		Event: &claudecode.StreamEvent{Type: claudecode.EventContentDelta, Delta: &claudecode.Delta{Type: claudecode.DeltaText, Text: text}},
	})
}

func (h *fakeHandle) toolUse(st *backend.Stream, id, name string) {
	st.Send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.Message{Role: "assistant", Content: claudecode.Content{
			{Type: claudecode.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(`{}`)},
		}},
	})
}

func (h *fakeHandle) toolResult(st *backend.Stream, id, content string) {
	raw, _ := json.Marshal(content)
	st.Send(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeUser,
		Message: &claudecode.Message{Role: "user", Content: claudecode.Content{
			{Type: claudecode.BlockToolResult, ToolUseID: id, Content: raw},
		}},
	})
}

func (h *fakeHandle) complete(st *backend.Stream, token string) {
	h.mu.Lock()
	h.token = token
	if h.current == st {
		h.current = nil
	}
	h.mu.Unlock()
	st.Send(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult, Subtype: "success", SessionID: token})
	st.Finish(nil)
}

func (h *fakeHandle) abort(st *backend.Stream, reason string) {
	h.mu.Lock()
	if h.current == st {
		h.current = nil
	}
	h.mu.Unlock()
	st.Finish(fmt.Errorf("%w: %s", backend.ErrStreamAborted, reason))
}

// hook plays the backend's PostToolUse callback.
func (h *fakeHandle) hook(name string, resp json.RawMessage) {
	if h.onTool != nil {
		h.onTool(name, resp)
	}
}

func (h *fakeHandle) waitInterrupt() {
	select {
	case <-h.interrupted:
	case <-time.After(5 * time.Second):
	}
}

// echoScript answers every turn with its text split in two deltas and a fixed token.
func echoScript(token string) script {
	return func(h *fakeHandle, st *backend.Stream, text string) {
		half := len(text) / 2
		h.delta(st, text[:half])
		h.delta(st, text[half:])
		h.complete(st, token)
	}
}

type fakeOpener struct {
	play         script
	rejectResume bool
	failFresh    error
	failResume   error
	delay        time.Duration
	// hangFirst makes the first Open wait for its context to end.
	hangFirst bool
	started   chan struct{}

	mu      sync.Mutex
	opens   int
	resumes []string
	handles []*fakeHandle
}

func (o *fakeOpener) Open(ctx context.Context, opts backend.OpenOptions) (backend.Handle, error) {
	if o.hangFirst {
		o.mu.Lock()
		first := o.opens == 0
		if first {
			o.opens++
		}
		o.mu.Unlock()
		if first {
			if o.started != nil {
				close(o.started)
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if opts.ResumeToken != "" {
		o.resumes = append(o.resumes, opts.ResumeToken)
		if o.failResume != nil {
			return nil, o.failResume
		}
		if o.rejectResume {
			return nil, fmt.Errorf("%w: no conversation found", backend.ErrResumeFailed)
		}
	} else if o.failFresh != nil {
		return nil, o.failFresh
	}

	play := o.play
	if play == nil {
		play = echoScript("tok-fresh")
	}
	h := &fakeHandle{
		resumeToken: opts.ResumeToken,
		token:       opts.ResumeToken,
		onTool:      opts.OnToolResult,
		play:        play,
		interrupted: make(chan struct{}),
	}
	o.handles = append(o.handles, h)
	return h, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) lastHandle(t *testing.T) *fakeHandle {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.handles)
	return o.handles[len(o.handles)-1]
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: make(map[string]string)}
}

func (m *memTokens) SaveToken(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[id] = token
	return nil
}

func (m *memTokens) LoadToken(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[id], nil
}

func (m *memTokens) DeleteToken(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
	return nil
}

// recorder collects a turn's outputs.
type recorder struct {
	mu  sync.Mutex
	out []Output
}

func (r *recorder) emit(o Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, o)
}

func (r *recorder) outputs() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.out...)
}

func (r *recorder) text() string {
	var s string
	for _, o := range r.outputs() {
		if o.Kind == OutEvent && o.Event.Kind == KindTextDelta {
			s += o.Event.Text
		}
	}
	return s
}

func newTestRegistry(t *testing.T, opener *fakeOpener, mutate ...func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		Opener: opener,
		Bridge: NewBridge([]string{"create_document", "update_document"}),
		Logger: newTestLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	r := NewRegistry(opts)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}
