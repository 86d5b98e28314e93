// Package session owns live agent sessions: the registry of open handles, the
// invalidation side channel and the multiplexer that drives one turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/events"
	"github.com/kandev/agentchat/internal/events/bus"
)

const (
	storeTimeout     = 5 * time.Second
	maxSweepInterval = time.Minute
)

// TokenStore persists each session's latest backend conversation token so a
// session can resume after the process restarts.
type TokenStore interface {
	SaveToken(ctx context.Context, sessionID, token string) error
	// LoadToken returns "" when nothing is stored.
	LoadToken(ctx context.Context, sessionID string) (string, error)
	DeleteToken(ctx context.Context, sessionID string) error
}

// Options configure a Registry. Opener and Bridge are required.
type Options struct {
	Opener backend.Opener
	Bridge *Bridge
	Logger *logger.Logger

	// Tokens is optional.
	Tokens TokenStore
	// Bus is optional; lifecycle events are published on it when set.
	Bus bus.EventBus
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
	// IdleTimeout enables reaping by Run. Zero disables it.
	IdleTimeout time.Duration
}

// CreateOptions apply only when GetOrCreate creates the session.
type CreateOptions struct {
	ResumeToken string
}

// Stats summarizes the registry for health checks.
type Stats struct {
	Sessions    int `json:"sessions"`
	ActiveTurns int `json:"active_turns"`
}

// Registry maps session ids to live sessions. Its lock guards only the map; it
// is never held while a backend is opened, prompted or closed.
type Registry struct {
	opener backend.Opener
	bridge *Bridge
	tokens TokenStore
	bus    bus.EventBus
	tracer trace.Tracer
	idle   time.Duration
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/kandev/agentchat/internal/session")
	}
	bridge := opts.Bridge
	if bridge == nil {
		bridge = NewBridge(nil)
	}
	return &Registry{
		opener:   opts.Opener,
		bridge:   bridge,
		tokens:   opts.Tokens,
		bus:      opts.Bus,
		tracer:   tracer,
		idle:     opts.IdleTimeout,
		logger:   log.WithFields(zap.String("component", "session-registry")),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, opening a handle if none exists.
// created is true only for the caller that performed the open; concurrent
// callers for the same id wait for that open and share its outcome. An open
// abandoned by its caller's context is retried by a waiter that is still
// live. opts are ignored for existing sessions. Without a resume token, a token saved for id
// is used when a TokenStore is configured.
func (r *Registry) GetOrCreate(ctx context.Context, id string, opts CreateOptions) (*Session, bool, error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	var s *Session
	for s == nil {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, false, ErrRegistryClosed
		}
		existing, ok := r.sessions[id]
		if !ok {
			s = newSession(id)
			r.sessions[id] = s
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		err := existing.wait(ctx)
		if err == nil {
			return existing, false, nil
		}
		// The opener's own request went away; a live waiter takes over the open.
		if ctx.Err() == nil && isContextErr(err) {
			continue
		}
		return nil, false, err
	}

	token := opts.ResumeToken
	if token == "" {
		token = r.loadToken(ctx, id)
	}

	res, err := r.open(ctx, s, token)
	if err != nil {
		r.mu.Lock()
		if r.sessions[id] == s {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		s.fail(err)
		r.logger.Warn("failed to open session", zap.String("session_id", id), zap.Error(err))
		return nil, false, err
	}

	r.mu.Lock()
	current, stillRegistered := r.sessions[id]
	stillRegistered = stillRegistered && current == s
	closed := r.closed
	r.mu.Unlock()
	if !stillRegistered || closed {
		// Removed or shut down while connecting.
		_ = res.Handle.Close()
		s.fail(ErrSessionNotFound)
		if closed {
			return nil, false, ErrRegistryClosed
		}
		return nil, false, ErrSessionNotFound
	}

	s.bind(res)
	fields := []zap.Field{zap.String("session_id", id), zap.String("path", string(res.Path))}
	if res.ResumeErr != nil {
		fields = append(fields, zap.NamedError("resume_error", res.ResumeErr))
	}
	r.logger.Info("session opened", fields...)
	r.publish(ctx, events.SessionCreated, id, map[string]any{
		"path":  string(res.Path),
		"token": s.Token(),
	})
	return s, true, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// open resumes when a token is given and falls back to a fresh handle only
// when the backend rejects the token. Any other failure is returned.
func (r *Registry) open(ctx context.Context, s *Session, resumeToken string) (OpenResult, error) {
	hook := r.bridge.Hook(s.queue)

	var resumeErr error
	if resumeToken != "" {
		h, err := r.opener.Open(ctx, backend.OpenOptions{
			SessionID:    s.ID,
			ResumeToken:  resumeToken,
			OnToolResult: hook,
		})
		if err == nil {
			return OpenResult{Handle: h, Path: Resumed}, nil
		}
		if !errors.Is(err, backend.ErrResumeFailed) {
			return OpenResult{}, err
		}
		r.logger.Warn("resume failed, opening fresh session",
			zap.String("session_id", s.ID), zap.Error(err))
		resumeErr = err
	}

	h, err := r.opener.Open(ctx, backend.OpenOptions{
		SessionID:    s.ID,
		OnToolResult: hook,
	})
	if err != nil {
		return OpenResult{}, err
	}
	if resumeErr != nil {
		return OpenResult{Handle: h, Path: ResumeFellBack, ResumeErr: resumeErr}, nil
	}
	return OpenResult{Handle: h, Path: OpenedFresh}, nil
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// InterruptSession stops the turn in flight for id. It is a no-op when the
// session exists but is not running a turn.
func (r *Registry) InterruptSession(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	h := s.markInterrupted()
	if h == nil {
		r.logger.Debug("interrupt with no turn in flight", zap.String("session_id", id))
		return nil
	}
	if err := h.Interrupt(ctx); err != nil {
		r.logger.Warn("backend interrupt failed", zap.String("session_id", id), zap.Error(err))
		return fmt.Errorf("interrupt session %s: %w", id, err)
	}
	r.logger.Info("session interrupted", zap.String("session_id", id))
	return nil
}

// Remove closes the session's handle, discards its queue and deletes the
// entry. A failing Close is logged; the entry is removed regardless.
func (r *Registry) Remove(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.teardown(s)
	r.publish(context.Background(), events.SessionRemoved, id, nil)
	return nil
}

// Leave removes the session and forgets its saved token.
func (r *Registry) Leave(ctx context.Context, id string) error {
	err := r.Remove(id)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if r.tokens != nil {
		if derr := r.tokens.DeleteToken(ctx, id); derr != nil {
			r.logger.Warn("failed to delete session token", zap.String("session_id", id), zap.Error(derr))
		}
	}
	return err
}

func (r *Registry) teardown(s *Session) {
	h := s.disconnect()
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		r.logger.Warn("failed to close backend handle", zap.String("session_id", s.ID), zap.Error(err))
	}
	r.logger.Info("session removed", zap.String("session_id", s.ID))
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Stats counts sessions and turns in flight.
func (r *Registry) Stats() Stats {
	infos := r.List()
	st := Stats{Sessions: len(infos)}
	for _, info := range infos {
		if info.State == StateActive || info.State == StateInterrupted {
			st.ActiveTurns++
		}
	}
	return st
}

// Run reaps idle, unattached sessions until ctx is done. It returns at once
// when no idle timeout is configured.
func (r *Registry) Run(ctx context.Context) {
	if r.idle <= 0 {
		return
	}
	interval := r.idle / 2
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if s.idleSince(now, r.idle) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Info("reaping idle session", zap.String("session_id", id))
		if err := r.Remove(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Warn("failed to reap session", zap.String("session_id", id), zap.Error(err))
		}
	}
	return len(stale)
}

// Shutdown rejects new sessions, then interrupts and closes every live
// session concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	r.logger.Info("draining sessions", zap.Int("count", len(sessions)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if h := s.markInterrupted(); h != nil {
				if err := h.Interrupt(gctx); err != nil {
					r.logger.Warn("interrupt during shutdown failed", zap.String("session_id", s.ID), zap.Error(err))
				}
			}
			r.teardown(s)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) loadToken(ctx context.Context, id string) string {
	if r.tokens == nil {
		return ""
	}
	tok, err := r.tokens.LoadToken(ctx, id)
	if err != nil {
		r.logger.Warn("failed to load session token", zap.String("session_id", id), zap.Error(err))
		return ""
	}
	return tok
}

func (r *Registry) saveToken(id, token string) {
	if r.tokens == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.tokens.SaveToken(ctx, id, token); err != nil {
		r.logger.Warn("failed to save session token", zap.String("session_id", id), zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, sessionID, data)
	if err := r.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
