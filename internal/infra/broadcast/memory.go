package broadcast

import (
	"context"
	"sync"

	"github.com/gemdesk/resilience/internal/core/domain"
)

// flushMarker is an internal message type used by Flush to find the end of
// the queue. It is never delivered to subscribers.
const flushMarker domain.MessageType = "flush_marker"

// MemoryBus is an in-process Bus. One MemoryBus shared by several session
// managers models a set of tabs in the same browser profile. A single
// dispatch goroutine preserves per-publisher ordering.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	queue    chan domain.SyncMessage
	done     chan struct{}
	closed   bool
	flushers []chan struct{}
}

// NewMemoryBus creates a bus and starts its dispatch loop.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		handlers: make(map[int]Handler),
		queue:    make(chan domain.SyncMessage, 64),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *MemoryBus) dispatch() {
	for {
		select {
		case msg := <-b.queue:
			if msg.Type == flushMarker {
				b.ackFlush()
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
		case <-b.done:
			return
		}
	}
}

func (b *MemoryBus) Publish(ctx context.Context, msg domain.SyncMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}
	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	}
}

func (b *MemoryBus) Subscribe(h Handler) func() {
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

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

func (b *MemoryBus) ackFlush() {
	b.mu.Lock()
	var ack chan struct{}
	if len(b.flushers) > 0 {
		ack = b.flushers[0]
		b.flushers = b.flushers[1:]
	}
	b.mu.Unlock()
	if ack != nil {
		close(ack)
	}
}

// Flush blocks until every message published before the call has been
// dispatched. A marker pushed through the same queue finds the end of the
// line; the dispatch loop swallows it, so subscribers never observe it.
// Test helper.
func (b *MemoryBus) Flush() {
	ack := make(chan struct{})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.flushers = append(b.flushers, ack)
	b.mu.Unlock()

	_ = b.Publish(context.Background(), domain.SyncMessage{Type: flushMarker})
	select {
	case <-ack:
	case <-b.done:
	}
}
