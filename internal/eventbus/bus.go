// Package eventbus implements the in-process publish/subscribe bus that
// fans pipeline events out to concurrent subscribers.
package eventbus

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/streamvox/pipeline/internal/metrics"
)

// Event is an immutable record published on a topic.
type Event struct {
	Topic         string
	Payload       interface{}
	Source        string
	CorrelationID string
}

// Handler processes one delivered event. Handlers run concurrently with
// each other and with the publisher; a handler must not block on the
// bus itself.
type Handler func(ctx context.Context, ev Event)

// Subscription is the opaque token returned by Subscribe. Unsubscribe is
// keyed by (topic, handler), not by this token. Two Subscribe calls with the
// same (topic, handler) func value are idempotent: the second is a no-op
// and returns the existing Subscription (OQ-1: handlers compared via
// reflect.Value.Pointer() since func values aren't otherwise comparable).
type Subscription struct {
	topic string
	ptr   uintptr
	fn    Handler
}

// Bus is a topic-keyed pub/sub fan-out with concurrent, at-most-once,
// best-effort delivery. It never blocks the publisher on slow handlers
// and isolates handler panics from siblings and from Publish itself.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
	logger      *zap.Logger
	ring        *ring
}

// New creates an empty Bus. ringSize, when > 0, enables the bounded
// introspection ring buffer described in the event bus design; it is
// never consulted for delivery, only for diagnostics.
func New(logger *zap.Logger, ringSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subscribers: make(map[string][]*Subscription),
		logger:      logger,
	}
	if ringSize > 0 {
		b.ring = newRing(ringSize)
	}
	return b
}

func handlerPtr(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Subscribe registers h for future Publish calls on topic. Subscribing
// the same handler twice for the same topic is a no-op; the existing
// Subscription is returned both times.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	ptr := handlerPtr(h)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[topic] {
		if sub.ptr == ptr {
			return sub
		}
	}
	sub := &Subscription{topic: topic, ptr: ptr, fn: h}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub
}

// Unsubscribe removes h's registration for topic. No-op if absent.
func (b *Bus) Unsubscribe(topic string, h Handler) {
	ptr := handlerPtr(h)

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub.ptr == ptr {
			b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount reports how many handlers are currently registered for
// topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Clear removes every subscriber for topic, or for every topic when topic
// is empty. Used at shutdown (§4.6, Event Bus clear) and in tests.
func (b *Bus) Clear(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.subscribers = make(map[string][]*Subscription)
		return
	}
	delete(b.subscribers, topic)
}

// Publish dispatches ev to a snapshot of topic's current subscribers.
// Each handler runs in its own goroutine; Publish returns once every
// handler has been scheduled, not once they've finished. Subscribers
// added or removed concurrently with this call never affect the
// snapshot already taken.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Topic]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(ev.Topic).Inc()
	if b.ring != nil {
		b.ring.add(ev)
	}

	for _, sub := range snapshot {
		go b.dispatch(ctx, sub, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(ev.Topic).Inc()
			b.logger.Warn("eventbus handler panicked",
				zap.String("topic", ev.Topic),
				zap.String("correlation_id", ev.CorrelationID),
				zap.Any("recover", r),
			)
		}
	}()
	metrics.HandlerDispatches.WithLabelValues(ev.Topic).Inc()
	sub.fn(ctx, ev)
}
