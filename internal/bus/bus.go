// Package bus is the in-process pub/sub layer (spec §4.6): a typed topic
// tree keyed by task id (or the wildcard "*" for every task), publishing
// Events emitted by the Scheduler, Dispatcher, Tailer, and Reconciler.
// Delivery is best-effort and per-task ordered; an event that does not fit
// in a lagging subscriber's buffer is discarded for that subscriber rather
// than allowed to block a publisher. The subscription itself stays
// registered until it is closed.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/store"
)

// subscriberBuffer bounds how many undelivered events a slow subscriber may
// accumulate before further events to it are discarded. Sized generously for a UI client reading
// progress events; a stuck reader is the only way to exhaust it.
const subscriberBuffer = 256

// Wildcard subscribes to every task's events.
const Wildcard = "*"

// Subscription is a live handle returned by Subscribe; the caller ranges
// over Events until Close is called or the Bus shuts the subscription down.
type Subscription struct {
	Events <-chan store.Event

	bus *Bus
	key string
	ch  chan store.Event
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.key, s.ch)
}

// Backplane mirrors Events onto an external transport so that multiple
// gateway instances can fan out to WebSocket clients regardless of which
// process instance owns the task (spec §4.6 "External" layer).
type Backplane interface {
	Publish(ev store.Event) error
}

// Bus is the in-process pub/sub hub. The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]chan store.Event
	backplane Backplane
}

// New creates a Bus. backplane may be nil, in which case events are never
// mirrored externally (single-process deployments).
func New(backplane Backplane) *Bus {
	return &Bus{
		subs:      make(map[string][]chan store.Event),
		backplane: backplane,
	}
}

// Subscribe registers interest in a single task's events, or every task's
// events when taskID is the Wildcard key.
func (b *Bus) Subscribe(key string) *Subscription {
	ch := make(chan store.Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	return &Subscription{Events: ch, bus: b, key: key, ch: ch}
}

// SubscribeTask is a convenience wrapper around Subscribe for a specific
// task id.
func (b *Bus) SubscribeTask(taskID uuid.UUID) *Subscription {
	return b.Subscribe(taskID.String())
}

func (b *Bus) unsubscribe(key string, ch chan store.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish delivers ev, in emission order, to every subscriber of ev.TaskID
// and every wildcard subscriber, then mirrors it onto the external
// backplane if one is configured. A subscriber whose buffer is full misses
// this event rather than blocking the publisher; it is not unsubscribed —
// the bus never applies back-pressure to a publisher.
func (b *Bus) Publish(ev store.Event) {
	b.mu.RLock()
	taskSubs := append([]chan store.Event(nil), b.subs[ev.TaskID.String()]...)
	wildcardSubs := append([]chan store.Event(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	deliver := func(subs []chan store.Event) {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				slog.Warn("bus: dropping event for slow subscriber", "task_id", ev.TaskID, "kind", ev.Kind)
			}
		}
	}
	deliver(taskSubs)
	deliver(wildcardSubs)

	if b.backplane != nil {
		if err := b.backplane.Publish(ev); err != nil {
			slog.Error("bus: backplane publish failed", "error", err, "kind", ev.Kind)
		}
	}
}
