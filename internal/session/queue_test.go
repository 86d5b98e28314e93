package session

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_FIFOAndDrain(t *testing.T) {
	q := NewQueue()
	assert.Empty(t, q.Drain())

	q.Push(Invalidation{ToolName: "a"})
	q.Push(Invalidation{ToolName: "b"})
	q.Push(Invalidation{ToolName: "a"})
	assert.Equal(t, 3, q.Len())

	got := q.Drain()
	assert.Equal(t, []string{"a", "b", "a"}, []string{got[0].ToolName, got[1].ToolName, got[2].ToolName})
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_DiscardRefusesPushes(t *testing.T) {
	q := NewQueue()
	q.Push(Invalidation{ToolName: "a"})
	q.Discard()
	q.Push(Invalidation{ToolName: "b"})
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ConcurrentPushesAreNeverDropped(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(Invalidation{ToolName: "t"})
			}
		}()
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained += len(q.Drain())
		select {
		case <-done:
			drained += len(q.Drain())
			assert.Equal(t, 5000, drained)
			return
		default:
		}
	}
}

func TestBridge_FiltersOnAllowList(t *testing.T) {
	b := NewBridge([]string{"update_document", "create_document"})
	assert.Equal(t, []string{"create_document", "update_document"}, b.Tools())
	assert.True(t, b.Allows("create_document"))
	assert.False(t, b.Allows("search"))

	q := NewQueue()
	hook := b.Hook(q)
	resp := json.RawMessage(`{"id":"d1"}`)
	hook("search", json.RawMessage(`{}`))
	hook("create_document", resp)
	resp[2] = 'X'

	got := q.Drain()
	if assert.Len(t, got, 1) {
		assert.Equal(t, "create_document", got[0].ToolName)
		assert.JSONEq(t, `{"id":"d1"}`, string(got[0].ToolResponse), "the hook keeps its own copy")
	}
}
