package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
)

// subscriberBuffer bounds how far one slow subscriber may fall behind before
// events to it are dropped.
const subscriberBuffer = 256

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus delivers events in process. Each subscription has its own
// goroutine so a slow handler never blocks publishers or other subscribers.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	match   *regexp.Regexp // nil for exact subjects
	handler EventHandler

	queue    chan delivery
	stopOnce sync.Once
	stopped  chan struct{}
}

type delivery struct {
	ctx   context.Context
	event *Event
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish queues the event for every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, event *Event) error {
	subject := event.Subject()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs {
		if !sub.matches(subject) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("pattern", sub.pattern),
				zap.String("subject", subject))
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

// Subscribe supports NATS-style wildcards: * matches one token, > matches the rest.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		match:   compilePattern(pattern),
		handler: handler,
		queue:   make(chan delivery, subscriberBuffer),
		stopped: make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.loop(b.logger)

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return sub, nil
}

// Close stops every subscription. Queued events that were not handled yet are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySubscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) loop(log *logger.Logger) {
	for {
		select {
		case <-s.stopped:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				log.Error("event handler error",
					zap.String("pattern", s.pattern),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.stopped:
		return false
	default:
		return true
	}
}

func (s *memorySubscription) matches(subject string) bool {
	if s.match == nil {
		return s.pattern == subject
	}
	return s.match.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex, or nil when it has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
