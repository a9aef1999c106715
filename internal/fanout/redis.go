package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/repolens/internal/cache"
	"github.com/kiranshivaraju/repolens/pkg/models"
)

// RedisBus publishes events on a Redis channel and relays everything received
// on it into a local Hub, so observers on any instance see events produced
// by any instance.
type RedisBus struct {
	ps      cache.PubSub
	hub     *Hub
	channel string
	wg      sync.WaitGroup
}

func NewRedisBus(ps cache.PubSub, hub *Hub) *RedisBus {
	return &RedisBus{ps: ps, hub: hub, channel: cache.EventsChannel}
}

func (b *RedisBus) Publish(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.ps.Publish(ctx, b.channel, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Start subscribes and relays until ctx is cancelled. It returns once the
// subscription is established.
func (b *RedisBus) Start(ctx context.Context) error {
	sub, err := b.ps.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		b.relay(ctx, sub)
	}()
	return nil
}

// Wait blocks until the relay goroutine has exited.
func (b *RedisBus) Wait() {
	b.wg.Wait()
}

func (b *RedisBus) relay(ctx context.Context, sub cache.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				slog.Warn("event relay subscription closed")
				return
			}
			var ev models.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				slog.Warn("discarding malformed event", "error", err)
				continue
			}
			_ = b.hub.Publish(ctx, ev)
		}
	}
}
