package backend

import (
	"context"
	"fmt"
	"io"
	"sync"
)

const streamBuffer = 64

// Stream is the single-consumer event sequence of one turn. A handle produces
// into it with Send and Finish; the consumer reads with Next until an error.
type Stream struct {
	events      chan RawEvent
	finished    chan struct{}
	interrupted chan struct{}

	finishOnce    sync.Once
	interruptOnce sync.Once
	err           error
}

// NewStream creates an open stream.
func NewStream() *Stream {
	return &Stream{
		events:      make(chan RawEvent, streamBuffer),
		finished:    make(chan struct{}),
		interrupted: make(chan struct{}),
	}
}

// Send delivers ev to the consumer. It returns false once the stream is finished or interrupted.
func (s *Stream) Send(ev RawEvent) bool {
	select {
	case <-s.interrupted:
		return false
	case <-s.finished:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.interrupted:
		return false
	case <-s.finished:
		return false
	}
}

// Finish ends the stream. A nil err is a normal end and Next returns io.EOF
// after buffered events; otherwise Next returns err. Only the first call counts.
func (s *Stream) Finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		close(s.finished)
	})
}

// Interrupt ends the stream immediately. Buffered events are discarded and
// Next returns ErrInterrupted.
func (s *Stream) Interrupt() {
	s.interruptOnce.Do(func() {
		close(s.interrupted)
	})
}

// Interrupted reports whether Interrupt was called.
func (s *Stream) Interrupted() bool {
	select {
	case <-s.interrupted:
		return true
	default:
		return false
	}
}

// Poll returns the next event without waiting. ok is false when the turn is
// still running and nothing is buffered; otherwise err is set as by Next.
func (s *Stream) Poll() (ev RawEvent, ok bool, err error) {
	if s.Interrupted() {
		return nil, true, ErrInterrupted
	}
	select {
	case ev := <-s.events:
		return ev, true, nil
	default:
	}
	select {
	case <-s.finished:
	default:
		return nil, false, nil
	}
	select {
	case ev := <-s.events:
		return ev, true, nil
	default:
	}
	if s.err != nil {
		return nil, true, s.err
	}
	return nil, true, io.EOF
}

// Next blocks for the next event. It returns io.EOF after a normal end,
// ErrInterrupted after Interrupt, and an ErrStreamAborted wrap if ctx ends first.
func (s *Stream) Next(ctx context.Context) (RawEvent, error) {
	if s.Interrupted() {
		return nil, ErrInterrupted
	}

	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.interrupted:
		return nil, ErrInterrupted
	case <-s.finished:
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStreamAborted, ctx.Err())
	}
}
