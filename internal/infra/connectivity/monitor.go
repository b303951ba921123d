// Package connectivity tracks the platform's online/offline signal and
// notifies listeners on transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe reports whether the network is currently reachable.
type Probe func(ctx context.Context) bool

// Monitor owns the online/offline state. The state changes either through
// the periodic probe or through SetOnline (a platform event feeding in).
type Monitor struct {
	probe    Probe
	interval time.Duration

	mu        sync.Mutex
	online    bool
	listeners map[int]func(online bool)
	nextID    int
	cancel    context.CancelFunc
	started   bool
}

// NewMonitor creates a monitor that assumes it is online until told
// otherwise. probe may be nil, in which case only SetOnline drives state.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		online:    true,
		listeners: make(map[int]func(bool)),
	}
}

// Start launches the probe loop. Safe to call once; Stop cancels it.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.probe == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SetOnline(m.probe(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the probe loop. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation and fires listeners on a
// state transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	slog.Info("Connectivity changed", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
}

// Subscribe registers a transition listener and returns its remover.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}
