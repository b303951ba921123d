// Package broadcast provides same-origin cross-tab messaging. The primary
// implementations are an in-process bus (tabs sharing one process) and a
// Redis pub/sub bus (tabs as separate processes); a storage-polling bus
// covers platforms with no channel primitive at all.
//
// Delivery is at-least-once to every subscriber, including the sender's own
// subscription; receivers filter messages carrying their own tab ID.
// Messages published from a single tab are observed in publish order. No
// ordering is guaranteed across tabs.
package broadcast

import (
	"context"

	"github.com/gemdesk/resilience/internal/core/domain"
)

// Handler receives sync messages. Handlers must not block; they run on the
// bus's dispatch goroutine.
type Handler func(msg domain.SyncMessage)

// Bus is the cross-tab messaging contract.
type Bus interface {
	// Publish emits a message to all subscribers
	Publish(ctx context.Context, msg domain.SyncMessage) error

	// Subscribe registers a handler and returns a function that removes it
	Subscribe(h Handler) (unsubscribe func())

	// Close stops dispatching. Publish after Close is a no-op.
	Close() error
}
