package session

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/kandev/agentchat/internal/backend"
)

// Invalidation tells clients that a mutating tool changed data they may have cached.
type Invalidation struct {
	ToolName     string
	ToolResponse json.RawMessage
}

// Queue is a session's unbounded FIFO of pending invalidations. Push never blocks
// or drops; Drain never waits.
type Queue struct {
	mu      sync.Mutex
	items   []Invalidation
	dropped bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends inv. It is a no-op once the queue is discarded.
func (q *Queue) Push(inv Invalidation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dropped {
		return
	}
	q.items = append(q.items, inv)
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue) Drain() []Invalidation {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Discard empties the queue and refuses further pushes.
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.dropped = true
}

// Bridge turns backend tool hooks into queued invalidations for the tools on its allow-list.
type Bridge struct {
	allowed map[string]struct{}
}

// NewBridge creates a bridge for the given mutating tool names.
func NewBridge(mutationTools []string) *Bridge {
	allowed := make(map[string]struct{}, len(mutationTools))
	for _, t := range mutationTools {
		allowed[t] = struct{}{}
	}
	return &Bridge{allowed: allowed}
}

// Tools returns the allow-list, sorted.
func (b *Bridge) Tools() []string {
	tools := make([]string, 0, len(b.allowed))
	for t := range b.allowed {
		tools = append(tools, t)
	}
	slices.Sort(tools)
	return tools
}

// Allows reports whether toolName is on the allow-list.
func (b *Bridge) Allows(toolName string) bool {
	_, ok := b.allowed[toolName]
	return ok
}

// Hook returns the callback a handle invokes after each tool execution. It
// pushes onto q when the tool is allowed and returns immediately.
func (b *Bridge) Hook(q *Queue) backend.ToolHook {
	return func(toolName string, toolResponse json.RawMessage) {
		if !b.Allows(toolName) {
			return
		}
		resp := make(json.RawMessage, len(toolResponse))
		copy(resp, toolResponse)
		q.Push(Invalidation{ToolName: toolName, ToolResponse: resp})
	}
}
