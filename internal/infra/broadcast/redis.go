package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/gemdesk/resilience/internal/core/domain"
)

// RedisBus is a Bus backed by Redis pub/sub. Redis guarantees that messages
// published on one connection are delivered to each subscriber in publish
// order, which satisfies the per-tab ordering contract.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	closed   bool
}

// NewRedisBus subscribes to the given channel and starts the receive loop.
func NewRedisBus(rdb *redis.Client, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = "resilience:sync"
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b := &RedisBus{
		rdb:      rdb,
		channel:  channel,
		pubsub:   pubsub,
		cancel:   cancel,
		handlers: make(map[int]Handler),
	}
	go b.receive(ctx)
	return b, nil
}

func (b *RedisBus) receive(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg domain.SyncMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				slog.Warn("Dropping undecodable sync message", "error", err)
				continue
			}
			b.mu.Lock()
			hs := make([]Handler, 0, len(b.handlers))
			for _, h := range b.handlers {
				hs = append(hs, h)
			}
			b.mu.Unlock()
			for _, h := range hs {
				h(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg domain.SyncMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode sync message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish sync message: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	return b.pubsub.Close()
}
