package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/osaproject/osa/pkg/protocol"
)

// TopicAll subscribes to every topic published on the bus.
const TopicAll protocol.Topic = "*"

const defaultQueueSize = 64

// Event is a single published occurrence. Payload keys are topic-specific;
// SessionID is empty for process-wide events.
type Event struct {
	Topic     protocol.Topic `json:"topic"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler processes one delivered event. Handlers run on the subscription's
// own delivery goroutine, never on the publisher. A handler that panics is
// logged and its subscription removed.
type Handler func(Event)

// Subscription is a live registration on the bus.
type Subscription struct {
	id        string
	topic     protocol.Topic
	sessionID string // non-empty = deliver only events for this session
	handler   Handler
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Dropped reports how many events were discarded for this subscriber because
// its delivery queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Bus is the in-process typed event router. Publish is non-blocking and
// fire-and-forget; delivery is at-most-once per live subscriber, ordered
// per publisher. Slow subscribers lose their oldest undelivered events.
type Bus struct {
	mu          sync.RWMutex
	subs        map[protocol.Topic]map[string]*Subscription
	dropped     atomic.Uint64
	closed      bool
}

func New() *Bus {
	return &Bus{subs: make(map[protocol.Topic]map[string]*Subscription)}
}

// SubOption customizes a subscription.
type SubOption func(*Subscription)

// WithSession restricts delivery to events carrying the given session id.
func WithSession(sessionID string) SubOption {
	return func(s *Subscription) { s.sessionID = sessionID }
}

// WithQueueSize overrides the per-subscriber delivery queue size.
func WithQueueSize(n int) SubOption {
	return func(s *Subscription) {
		if n > 0 {
			s.queue = make(chan Event, n)
		}
	}
}

// Subscribe registers a handler for a topic. Use TopicAll to observe every
// topic. The returned subscription must be passed to Unsubscribe when the
// owner goes away.
func (b *Bus) Subscribe(topic protocol.Topic, h Handler, opts ...SubOption) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: h,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.done) })
		return sub
	}
	m, ok := b.subs[topic]
	if !ok {
		m = make(map[string]*Subscription)
		b.subs[topic] = m
	}
	m[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(sub)
	return sub
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if m, ok := b.subs[sub.topic]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.done) })
}

// Publish routes an event to every matching subscriber. It never blocks:
// a subscriber whose queue is full loses its oldest undelivered event.
func (b *Bus) Publish(topic protocol.Topic, sessionID string, payload map[string]any) {
	ev := Event{Topic: topic, SessionID: sessionID, Payload: payload}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot matching subscribers so enqueue happens outside map iteration
	// races with Subscribe/Unsubscribe.
	var targets []*Subscription
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subs[TopicAll] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		b.enqueue(sub, ev)
	}
}

// enqueue pushes an event onto a subscriber queue, evicting the oldest
// undelivered event when full.
func (b *Bus) enqueue(sub *Subscription, ev Event) {
	select {
	case sub.queue <- ev:
		return
	default:
	}
	// Full: drop the oldest, then retry once. A concurrent consumer may have
	// drained in between, in which case nothing is evicted.
	select {
	case <-sub.queue:
		sub.dropped.Add(1)
		b.dropped.Add(1)
	default:
	}
	select {
	case sub.queue <- ev:
	default:
		sub.dropped.Add(1)
		b.dropped.Add(1)
	}
}

func (b *Bus) deliver(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			if !b.safeHandle(sub, ev) {
				b.Unsubscribe(sub)
				return
			}
		}
	}
}

// safeHandle runs the handler, converting a panic into removal.
func (b *Bus) safeHandle(sub *Subscription, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panicked, removing subscriber",
				"topic", sub.topic, "subscriber", sub.id, "panic", r)
			ok = false
		}
	}()
	sub.handler(ev)
	return true
}

// Dropped reports the total number of events discarded bus-wide.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscriptions for a topic.
func (b *Bus) SubscriberCount(topic protocol.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close tears down all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, m := range b.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	b.subs = make(map[protocol.Topic]map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() { close(sub.done) })
	}
}
