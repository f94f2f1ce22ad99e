// Package eventbus delivers domain events to in-process subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"lorekeeper/internal/domain"
)

var _ domain.EventBus = (*Bus)(nil)

type queued struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a queue drained by one goroutine, so it sees events in
// publish order and a slow handler never blocks the publisher.
type subscriber struct {
	id      uint64
	handler domain.EventHandler

	mu     sync.Mutex
	queue  []queued
	closed bool
	wake   chan struct{}
}

func (s *subscriber) enqueue(q queued) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, q)
	s.mu.Unlock()
	s.signal()
}

// close stops accepting events. Queued events are still delivered.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscriber
	allSubs []*subscriber
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[domain.EventType][]*subscriber),
		logger: logger,
	}
}

// Publish queues an event for matching typed subscribers and all-event
// subscribers. It never blocks on handlers. Handlers receive ctx without its
// cancellation, since they may run after the publisher has returned.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.typed[event.Type])+len(b.allSubs))
	subs = append(subs, b.typed[event.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	q := queued{ctx: context.WithoutCancel(ctx), event: event}
	for _, s := range subs {
		s.enqueue(q)
	}
}

// register starts a subscriber and links it in with add, or returns nil once
// the bus is closed. Checking closed and linking both happen under b.mu,
// so Close either sees the subscriber or it was never started.
func (b *Bus) register(handler domain.EventHandler, add func(*subscriber)) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil
	}

	s := &subscriber{
		id:      b.nextID.Add(1),
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	b.wg.Add(1)
	go b.run(s)
	add(s)
	return s
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, q := range batch {
			b.deliver(s, q)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

func (b *Bus) deliver(s *subscriber, q queued) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(q.ctx, q.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	s := b.register(handler, func(s *subscriber) {
		b.typed[eventType] = append(b.typed[eventType], s)
	})
	if s == nil {
		return func() {}
	}

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, other := range subs {
			if other.id == s.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.close()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	s := b.register(handler, func(s *subscriber) {
		b.allSubs = append(b.allSubs, s)
	})
	if s == nil {
		return func() {}
	}

	return func() {
		b.mu.Lock()
		for i, other := range b.allSubs {
			if other.id == s.id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.close()
	}
}

// Close prevents new publishes and waits until every queued event has been
// handled. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	var subs []*subscriber
	for _, typed := range b.typed {
		subs = append(subs, typed...)
	}
	subs = append(subs, b.allSubs...)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
}
