// Package fanout delivers job events to every connected observer.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/repolens/pkg/models"
)

const DefaultBuffer = 64

// Publisher is implemented by anything that can announce a job event.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Subscription is one observer's view of the event stream.
type Subscription struct {
	ch      chan models.Event
	dropped atomic.Uint64
}

// Events is closed when the subscription is removed or the hub closes.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Dropped counts events discarded because the observer fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub is an in-process registry of subscribers. Publish never blocks on a
// slow observer: when an observer's buffer is full the event is dropped for
// that observer only.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan models.Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Publish delivers ev to all current subscribers. Holding the lock for the
// whole loop keeps per-observer order identical to publish order.
func (h *Hub) Publish(_ context.Context, ev models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			slog.Debug("event dropped for slow observer",
				"type", ev.Type, "correlation_id", ev.CorrelationID)
		}
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
