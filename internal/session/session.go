package session

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/agentchat/internal/backend"
)

// State is a session's lifecycle state. A session with no registry entry is unbound.
type State string

const (
	StateConnecting   State = "connecting"
	StateIdle         State = "idle"
	StateActive       State = "active"
	StateInterrupted  State = "interrupted"
	StateDisconnected State = "disconnected"
)

// OpenPath records how a session's handle was obtained.
type OpenPath string

const (
	OpenedFresh    OpenPath = "fresh"
	Resumed        OpenPath = "resumed"
	ResumeFellBack OpenPath = "resume_fell_back"
)

// OpenResult is the outcome of opening a handle. ResumeErr is set only on the
// ResumeFellBack path and holds the rejected resume attempt's error.
type OpenResult struct {
	Handle    backend.Handle
	Path      OpenPath
	ResumeErr error
}

// Session is one registry entry. It owns exactly one handle and one queue.
type Session struct {
	ID        string
	CreatedAt time.Time

	queue *Queue
	// ready is closed once the open attempt has finished; openErr is set before that on failure.
	ready   chan struct{}
	openErr error

	mu         sync.Mutex
	state      State
	handle     backend.Handle
	path       OpenPath
	token      string
	lastActive time.Time
	attached   int
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Token        string    `json:"token,omitempty"`
	OpenPath     OpenPath  `json:"open_path,omitempty"`
	Attached     int       `json:"attached"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func newSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		queue:      NewQueue(),
		ready:      make(chan struct{}),
		state:      StateConnecting,
		lastActive: now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the session's handle, or nil while connecting.
func (s *Session) Handle() backend.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Queue returns the session's invalidation queue.
func (s *Session) Queue() *Queue {
	return s.queue
}

// Token returns the latest backend conversation token.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Resumed reports whether the handle continued a prior backend conversation.
func (s *Session) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path == Resumed
}

// Attach records a persistent connection bound to this session. Attached
// sessions are never reaped as idle.
func (s *Session) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
	s.lastActive = time.Now().UTC()
}

// Detach releases a connection recorded with Attach.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached > 0 {
		s.attached--
	}
	s.lastActive = time.Now().UTC()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		State:        s.state,
		Token:        s.token,
		OpenPath:     s.path,
		Attached:     s.attached,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.lastActive,
	}
}

func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) bind(res OpenResult) {
	s.mu.Lock()
	s.handle = res.Handle
	s.path = res.Path
	s.state = StateIdle
	if tok := res.Handle.Token(); tok != "" {
		s.token = tok
	}
	s.mu.Unlock()
	close(s.ready)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	s.openErr = err
	close(s.ready)
}

// beginTurn moves Idle to Active. Any other state rejects the turn.
func (s *Session) beginTurn() (backend.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.state = StateActive
		s.lastActive = time.Now().UTC()
		return s.handle, nil
	case StateDisconnected:
		return nil, ErrSessionNotFound
	default:
		return nil, ErrSessionBusy
	}
}

// endTurn returns an Active or Interrupted session to Idle.
func (s *Session) endTurn(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" {
		s.token = token
	}
	if s.state == StateActive || s.state == StateInterrupted {
		s.state = StateIdle
	}
	s.lastActive = time.Now().UTC()
}

// markInterrupted moves Active to Interrupted and returns the handle to signal.
// It returns nil when no turn is in flight.
func (s *Session) markInterrupted() backend.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	s.state = StateInterrupted
	return s.handle
}

// disconnect marks the session removed and returns its handle for closing.
func (s *Session) disconnect() backend.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	h := s.handle
	s.handle = nil
	s.queue.Discard()
	return h
}

func (s *Session) idleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle && s.attached == 0 && now.Sub(s.lastActive) >= timeout
}
