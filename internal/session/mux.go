package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/common/stringutil"
	"github.com/kandev/agentchat/internal/events"
)

const (
	interruptTimeout = 5 * time.Second
	promptPreviewLen = 80
)

// OutputKind identifies an item emitted by RunTurn.
type OutputKind string

const (
	OutEvent        OutputKind = "event"
	OutInvalidation OutputKind = "invalidation"
	OutDone         OutputKind = "done"
	OutError        OutputKind = "error"
)

// Output is one item of a turn's outgoing sequence. A turn emits events and
// invalidations, then exactly one done or error.
type Output struct {
	Kind         OutputKind
	Event        Event
	Invalidation Invalidation

	// done
	Token       string
	Interrupted bool

	// error
	Err error
}

// Emitter receives a turn's outputs in order, on the goroutine running the turn.
type Emitter func(Output)

// RunTurn submits text on s and drives the turn to its end, emitting each
// normalized event followed by every invalidation queued so far. The queue is
// drained once more before the final done or error. A second turn on a busy
// session fails with ErrSessionBusy before anything is emitted.
//
// TurnComplete is not emitted as an event: it becomes the done output, which
// carries the token. Cancelling ctx interrupts the backend turn unless its
// result has already arrived, in which case the turn still completes.
func (r *Registry) RunTurn(ctx context.Context, s *Session, text string, emit Emitter) error {
	h, err := s.beginTurn()
	if err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "session.turn",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	log := r.logger.WithFields(zap.String("session_id", s.ID))
	log.Debug("turn started", zap.String("prompt", stringutil.TruncateStringWithEllipsis(text, promptPreviewLen)))
	r.publish(ctx, events.TurnStarted, s.ID, nil)

	stream, err := h.Submit(ctx, text)
	if err != nil {
		s.endTurn("")
		if errors.Is(err, backend.ErrTurnInProgress) {
			err = fmt.Errorf("%w: %v", ErrSessionBusy, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.publish(ctx, events.TurnFailed, s.ID, map[string]any{"error": err.Error()})
		emit(Output{Kind: OutError, Err: err})
		return err
	}

	t := &turn{registry: r, session: s, emit: emit}
	var streamErr error
	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, backend.ErrInterrupted) {
				err = t.flush(ctx, stream, err)
			}
			streamErr = err
			break
		}
		t.consume(ctx, raw)
	}

	// A result already received wins over a client that left afterwards.
	if t.completed && !errors.Is(streamErr, backend.ErrInterrupted) {
		streamErr = io.EOF
	}

	// The client went away mid-turn: stop the backend so the session is reusable.
	if ctx.Err() != nil && !errors.Is(streamErr, io.EOF) && !errors.Is(streamErr, backend.ErrInterrupted) {
		ictx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		if ierr := h.Interrupt(ictx); ierr != nil {
			log.Warn("failed to interrupt abandoned turn", zap.Error(ierr))
		}
		cancel()
		streamErr = backend.ErrInterrupted
	}

	t.drain(ctx)

	token := t.token
	if token == "" {
		token = h.Token()
	}
	span.SetAttributes(
		attribute.Int("turn.events", t.events),
		attribute.Int("turn.invalidations", t.invalidations))

	switch {
	case errors.Is(streamErr, io.EOF):
		s.endTurn(token)
		r.saveToken(s.ID, token)
		log.Debug("turn completed", zap.Int("events", t.events), zap.Bool("turn_complete", t.completed))
		r.publish(ctx, events.TurnCompleted, s.ID, map[string]any{"token": token})
		emit(Output{Kind: OutDone, Token: token})
		return nil

	case errors.Is(streamErr, backend.ErrInterrupted):
		s.endTurn("")
		span.SetAttributes(attribute.Bool("turn.interrupted", true))
		log.Info("turn interrupted", zap.Int("events", t.events))
		r.publish(ctx, events.TurnInterrupted, s.ID, nil)
		emit(Output{Kind: OutDone, Token: s.Token(), Interrupted: true})
		return nil

	default:
		s.endTurn("")
		err := streamErr
		if !errors.Is(err, backend.ErrStreamAborted) {
			err = fmt.Errorf("%w: %v", backend.ErrStreamAborted, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("turn aborted", zap.Error(err))
		r.publish(ctx, events.TurnFailed, s.ID, map[string]any{"error": err.Error()})
		emit(Output{Kind: OutError, Err: err})
		return err
	}
}

type turn struct {
	registry *Registry
	session  *Session
	emit     Emitter

	completed     bool
	token         string
	events        int
	invalidations int
}

func (t *turn) consume(ctx context.Context, raw backend.RawEvent) {
	for _, ev := range Normalize(raw) {
		if ev.Kind == KindTurnComplete {
			t.completed = true
			if ev.Token != "" {
				t.token = ev.Token
			}
			continue
		}
		t.events++
		t.emit(Output{Kind: OutEvent, Event: ev})
		t.drain(ctx)
	}
}

// flush consumes what the backend produced before ctx ended. It returns the
// stream's own end when that was already reached, else cause.
func (t *turn) flush(ctx context.Context, stream *backend.Stream, cause error) error {
	for {
		raw, ok, err := stream.Poll()
		if !ok {
			return cause
		}
		if err != nil {
			return err
		}
		t.consume(ctx, raw)
	}
}

// drain forwards every queued invalidation without waiting for more.
func (t *turn) drain(ctx context.Context) {
	for _, inv := range t.session.queue.Drain() {
		t.invalidations++
		t.emit(Output{Kind: OutInvalidation, Invalidation: inv})
		t.registry.publish(ctx, events.CacheInvalidated, t.session.ID, map[string]any{
			"tool_name":     inv.ToolName,
			"tool_response": string(inv.ToolResponse),
		})
	}
}
