package websocket

import (
	"context"
	"fmt"
)

// HandlerFunc processes one inbound frame. Replies are sent asynchronously by
// the handler, so there is no return value beyond a failure to act on the frame.
type HandlerFunc func(ctx context.Context, f *Frame) error

// Dispatcher routes frames to handlers by type.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc registers the handler for a frame type.
func (d *Dispatcher) RegisterFunc(frameType string, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch routes f to its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, f *Frame) error {
	handler, ok := d.handlers[f.Type]
	if !ok {
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return handler(ctx, f)
}

// HasHandler returns true if a handler is registered for the frame type.
func (d *Dispatcher) HasHandler(frameType string) bool {
	_, ok := d.handlers[frameType]
	return ok
}
