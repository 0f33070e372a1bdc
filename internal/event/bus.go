// Package event provides the in-memory implementation of plugin.EventBus.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vfhky/serv00-ct8-nezha/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus implementing plugin.EventBus.
// Publish is synchronous: handlers for a topic run in the caller's
// goroutine, in registration order, followed by the all-topic taps.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	allSubs  []handlerEntry            // handlers subscribed to all topics
	logger   *zap.Logger
	now      func() time.Time
}

type handlerEntry struct {
	name    string
	handler plugin.EventHandler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
		now:      time.Now,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
// Handler errors and panics are logged and never returned; the result is
// always nil so publishers keep going whatever the subscribers do.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.RLock()
	topicHandlers := make([]handlerEntry, len(b.handlers[event.Topic]))
	copy(topicHandlers, b.handlers[event.Topic])
	allHandlers := make([]handlerEntry, len(b.allSubs))
	copy(allHandlers, b.allSubs)
	b.mu.RUnlock()

	for _, h := range topicHandlers {
		b.safeCall(ctx, h, event)
	}
	for _, h := range allHandlers {
		b.safeCall(ctx, h, event)
	}
	return nil
}

// Subscribe registers a named handler for a topic. A second registration
// under the same (topic, name) keeps the first handler and position.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(topic, name string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.handlers[topic] {
		if e.name == name {
			b.logger.Debug("handler already subscribed",
				zap.String("topic", topic),
				zap.String("name", name),
			)
			return func() { b.Unsubscribe(topic, name) }
		}
	}
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{name: name, handler: handler})
	return func() { b.Unsubscribe(topic, name) }
}

// Unsubscribe removes the named handler from a topic. Unknown names are
// ignored.
func (b *Bus) Unsubscribe(topic, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[topic]
	for i, e := range entries {
		if e.name == name {
			next := make([]handlerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			b.handlers[topic] = next
			return
		}
	}
}

// SubscribeAll registers a named handler for every topic.
func (b *Bus) SubscribeAll(name string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remove := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.allSubs {
			if e.name == name {
				next := make([]handlerEntry, 0, len(b.allSubs)-1)
				next = append(next, b.allSubs[:i]...)
				next = append(next, b.allSubs[i+1:]...)
				b.allSubs = next
				return
			}
		}
	}
	for _, e := range b.allSubs {
		if e.name == name {
			return remove
		}
	}
	b.allSubs = append(b.allSubs, handlerEntry{name: name, handler: handler})
	return remove
}

// HandlerCount returns the number of handlers registered for a topic.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

func (b *Bus) safeCall(ctx context.Context, h handlerEntry, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.String("handler", h.name),
				zap.Any("panic", r),
			)
		}
	}()
	if err := h.handler(ctx, event); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("topic", event.Topic),
			zap.String("source", event.Source),
			zap.String("handler", h.name),
			zap.Error(err),
		)
	}
}
