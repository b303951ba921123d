package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/storage"
)

const (
	storageLogKey  = "sync:log"
	storageLogSize = 100
)

type storageLogEntry struct {
	Seq     uint64             `json:"seq"`
	Message domain.SyncMessage `json:"message"`
}

// StorageBus is the fallback Bus for platforms without a channel primitive:
// every tab appends messages to a capped log in the shared store and polls
// it for entries it has not yet seen. The log read-modify-write is not
// atomic across tabs; near-simultaneous appends may clobber each other,
// which is the same weakness the conflict resolver exists to absorb.
type StorageBus struct {
	store    storage.KeyValue
	interval time.Duration
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	lastSeq  uint64
	closed   bool
}

// NewStorageBus creates a polling bus over the shared store. New
// subscribers only observe messages published after the bus was created.
func NewStorageBus(store storage.KeyValue, interval time.Duration) *StorageBus {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &StorageBus{
		store:    store,
		interval: interval,
		cancel:   cancel,
		handlers: make(map[int]Handler),
	}
	if entries, err := b.readLog(ctx); err == nil && len(entries) > 0 {
		b.lastSeq = entries[len(entries)-1].Seq
	}
	go b.poll(ctx)
	return b
}

func (b *StorageBus) readLog(ctx context.Context) ([]storageLogEntry, error) {
	raw, ok, err := b.store.Get(ctx, storageLogKey)
	if err != nil || !ok {
		return nil, err
	}
	var entries []storageLogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// A torn write from a racing tab. Skip this cycle; the next append
		// rewrites the log.
		return nil, fmt.Errorf("sync log unreadable: %w", err)
	}
	return entries, nil
}

func (b *StorageBus) poll(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.deliverNew(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (b *StorageBus) deliverNew(ctx context.Context) {
	entries, err := b.readLog(ctx)
	if err != nil {
		slog.Debug("Sync log poll failed", "error", err)
		return
	}

	b.mu.Lock()
	var pending []domain.SyncMessage
	for _, e := range entries {
		if e.Seq > b.lastSeq {
			b.lastSeq = e.Seq
			pending = append(pending, e.Message)
		}
	}
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	for _, msg := range pending {
		for _, h := range hs {
			h(msg)
		}
	}
}

func (b *StorageBus) Publish(ctx context.Context, msg domain.SyncMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	entries, err := b.readLog(ctx)
	if err != nil {
		entries = nil
	}
	var seq uint64 = 1
	if len(entries) > 0 {
		seq = entries[len(entries)-1].Seq + 1
	}
	entries = append(entries, storageLogEntry{Seq: seq, Message: msg})
	if len(entries) > storageLogSize {
		entries = entries[len(entries)-storageLogSize:]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode sync log: %w", err)
	}
	if err := b.store.Set(ctx, storageLogKey, string(data)); err != nil {
		return fmt.Errorf("failed to write sync log: %w", err)
	}
	return nil
}

func (b *StorageBus) Subscribe(h Handler) func() {
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

func (b *StorageBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	return nil
}
