package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentchat/internal/common/logger"
)

func newBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	return b
}

func TestEvent_Subject(t *testing.T) {
	ev := NewEvent("turn.completed", "s1", nil)
	assert.Equal(t, "agentchat.turn.completed.s1", ev.Subject())
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newBus(t)

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SessionPattern("s1"), func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("turn.completed", "s1", map[string]any{"token": "t1"})
	require.NoError(t, b.Publish(context.Background(), event))
	require.NoError(t, b.Publish(context.Background(), NewEvent("turn.completed", "s2", nil)))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "t1", e.Data["token"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case e := <-received:
		t.Fatalf("unexpected event for session %s", e.SessionID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_DeliversInOrder(t *testing.T) {
	b := newBus(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	_, err := b.Subscribe(TypePattern("cache.invalidated"), func(ctx context.Context, event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event.Data["n"].(string))
		if len(got) == 20 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprint(i)
		require.NoError(t, b.Publish(context.Background(), NewEvent("cache.invalidated", "s1", map[string]any{"n": want[i]})))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for events")
	}
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{SessionPattern("s1"), "agentchat.cache.invalidated.s1", true},
		{SessionPattern("s1"), "agentchat.cache.invalidated.s2", false},
		{TypePattern("turn.started"), "agentchat.turn.started.s9", true},
		{TypePattern("turn.started"), "agentchat.turn.completed.s9", false},
		{"agentchat.>", "agentchat.cache.invalidated.s1", true},
		{"agentchat.turn.started.s1", "agentchat.turn.started.s1", true},
		{"agentchat.turn.started.s1", "agentchat.turn.started.s2", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			sub := &memorySubscription{pattern: tt.pattern, match: compilePattern(tt.pattern)}
			assert.Equal(t, tt.want, sub.matches(tt.subject))
		})
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newBus(t)

	received := make(chan struct{}, 1)
	sub, err := b.Subscribe("agentchat.>", func(ctx context.Context, event *Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), NewEvent("session.created", "s1", nil)))
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), NewEvent("session.created", "s1", nil)), ErrBusClosed)
	_, err := b.Subscribe("agentchat.>", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestDecodeEvent_FillsRoutingFromHeaders(t *testing.T) {
	msg := nats.NewMsg("agentchat.turn.completed.s1")
	msg.Header.Set(HeaderEventType, "turn.completed")
	msg.Header.Set(HeaderSessionID, "s1")
	msg.Data = []byte(`{"id":"e1","data":{"token":"t1"}}`)

	ev, err := decodeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "turn.completed", ev.Type)
	assert.Equal(t, "s1", ev.SessionID)

	msg.Data = []byte("not json")
	_, err = decodeEvent(msg)
	assert.Error(t, err)
}
