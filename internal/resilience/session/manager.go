// Package session keeps one logical session consistent across every tab of
// a browser profile. Tabs coordinate through the shared key-value store and
// a broadcast bus; all coordination is advisory, since the store offers no
// hard mutual exclusion between tabs, which is why the conflict resolver
// sits on top of this package rather than assuming last-write-wins.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/broadcast"
	"github.com/gemdesk/resilience/internal/infra/storage"
	"github.com/gemdesk/resilience/internal/resilience/metrics"
)

// Storage keys shared by every tab.
const (
	KeySessionData   = "session:data"
	KeySessionBackup = "session:backup"
	KeyTabs          = "session:tabs"
	KeyLockPrefix    = "session:lock:"
)

// Config holds session manager settings.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	HeartbeatInterval: 10 * time.Second,
	StaleTimeout:      45 * time.Second,
	LockTTL:           30 * time.Second,
}

// Patch is a partial session update; nil fields are left untouched.
type Patch struct {
	SessionID *string
	UserID    *string
	Token     *string
	ExpiresAt *time.Time
	IsActive  *bool
	Metadata  *domain.SessionMetadata
}

// Manager owns this tab's view of the shared session.
type Manager struct {
	tabID string
	store storage.KeyValue
	bus   broadcast.Bus
	cfg   Config

	mu           sync.RWMutex
	session      domain.SessionData
	onLogout     []func()
	onPeerUpdate []func(local, incoming *domain.SessionData)

	unsub   func()
	cancel  context.CancelFunc
	cleanup sync.Once
}

// NewManager generates this tab's identity, loads the shared session, joins
// the tab registry, and starts listening on the bus.
func NewManager(ctx context.Context, cfg Config, store storage.KeyValue, bus broadcast.Bus) (*Manager, error) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultConfig.HeartbeatInterval
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = DefaultConfig.StaleTimeout
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultConfig.LockTTL
	}

	m := &Manager{
		tabID: uuid.NewString(),
		store: store,
		bus:   bus,
		cfg:   cfg,
	}

	if raw, ok, err := store.Get(ctx, KeySessionData); err == nil && ok {
		var s domain.SessionData
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			m.session = s
		} else {
			slog.Warn("Stored session unreadable, starting fresh", "error", err)
		}
	}

	m.unsub = bus.Subscribe(m.handleMessage)
	if err := m.RegisterTab(ctx); err != nil {
		slog.Warn("Tab registration failed", "tab_id", m.tabID, "error", err)
	}
	slog.Info("Session manager initialized", "tab_id", m.tabID)
	return m, nil
}

// TabID returns this tab's identity.
func (m *Manager) TabID() string {
	return m.tabID
}

// Session returns a copy of this tab's current session view.
func (m *Manager) Session() *domain.SessionData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

// OnLogout registers a callback fired when a logout arrives from a peer.
func (m *Manager) OnLogout(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

// OnPeerUpdate registers a callback fired when a peer broadcasts a session
// update, before this tab adopts it. The conflict resolver hooks in here.
func (m *Manager) OnPeerUpdate(fn func(local, incoming *domain.SessionData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerUpdate = append(m.onPeerUpdate, fn)
}

// Start launches the heartbeat loop. Stop with Cleanup.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.heartbeat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// heartbeat refreshes this tab's lastSeen and prunes stale registry
// entries.
func (m *Manager) heartbeat(ctx context.Context) {
	tabs, err := m.readTabs(ctx)
	if err != nil {
		slog.Debug("Heartbeat read failed", "error", err)
		return
	}
	now := time.Now()
	info := tabs[m.tabID]
	info.TabID = m.tabID
	info.LastSeen = now
	info.IsActive = true
	m.mu.RLock()
	info.SessionID = m.session.SessionID
	m.mu.RUnlock()
	tabs[m.tabID] = info

	for id, t := range tabs {
		if id != m.tabID && t.Stale(now, m.cfg.StaleTimeout) {
			delete(tabs, id)
			slog.Debug("Pruned stale tab", "tab_id", id)
		}
	}
	if err := m.writeTabs(ctx, tabs); err != nil {
		slog.Debug("Heartbeat write failed", "error", err)
	}
	metrics.ActiveTabs.Set(float64(len(tabs)))
}

// UpdateSession merges a partial update into the session, persists it, and
// broadcasts it to peers.
func (m *Manager) UpdateSession(ctx context.Context, patch Patch) error {
	m.mu.Lock()
	if patch.SessionID != nil {
		m.session.SessionID = *patch.SessionID
	}
	if patch.UserID != nil {
		m.session.UserID = *patch.UserID
	}
	if patch.Token != nil {
		m.session.Token = *patch.Token
	}
	if patch.ExpiresAt != nil {
		m.session.ExpiresAt = *patch.ExpiresAt
	}
	if patch.IsActive != nil {
		m.session.IsActive = *patch.IsActive
	}
	if patch.Metadata != nil {
		m.session.Metadata = *patch.Metadata
	}
	m.session.LastActivity = time.Now()
	m.session.TabID = m.tabID
	snapshot := m.session
	m.mu.Unlock()

	if err := m.persist(ctx, &snapshot); err != nil {
		return err
	}
	return m.broadcastSessionUpdate(ctx, &snapshot)
}

// AdoptSession replaces this tab's session view wholesale and persists it
// without broadcasting. Used by conflict resolution.
func (m *Manager) AdoptSession(ctx context.Context, s *domain.SessionData) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	m.session = *s
	snapshot := m.session
	m.mu.Unlock()
	return m.persist(ctx, &snapshot)
}

// persist writes the session to the shared store, keeping a backup of the
// last authenticated state for the session_recovery fallback strategy.
// Write failures degrade to a logged no-op.
func (m *Manager) persist(ctx context.Context, s *domain.SessionData) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, KeySessionData, string(data)); err != nil {
		slog.Warn("Session persist failed", "error", err)
		return nil
	}
	if s.Authenticated() {
		if err := m.store.Set(ctx, KeySessionBackup, string(data)); err != nil {
			slog.Debug("Session backup write failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) broadcastSessionUpdate(ctx context.Context, s *domain.SessionData) error {
	msg := domain.SyncMessage{
		Type:      domain.MessageSessionUpdate,
		TabID:     m.tabID,
		SessionID: s.SessionID,
		Timestamp: time.Now(),
	}
	if err := msg.EncodePayload(s); err != nil {
		return err
	}
	metrics.SyncMessages.WithLabelValues(string(msg.Type), "sent").Inc()
	return m.bus.Publish(ctx, msg)
}

// BroadcastLogout clears the shared session and tells every peer to log
// out locally.
func (m *Manager) BroadcastLogout(ctx context.Context) error {
	m.mu.Lock()
	m.session.Token = ""
	m.session.UserID = ""
	m.session.IsActive = false
	snapshot := m.session
	m.mu.Unlock()

	_ = m.persist(ctx, &snapshot)
	_ = m.store.Delete(ctx, KeySessionBackup)

	msg := domain.SyncMessage{
		Type:      domain.MessageLogout,
		TabID:     m.tabID,
		SessionID: snapshot.SessionID,
		Timestamp: time.Now(),
	}
	metrics.SyncMessages.WithLabelValues(string(msg.Type), "sent").Inc()
	return m.bus.Publish(ctx, msg)
}

// handleMessage reacts to peer messages. Own messages are skipped; every
// bus delivers to all subscribers and receivers filter by tab ID.
func (m *Manager) handleMessage(msg domain.SyncMessage) {
	if msg.TabID == m.tabID {
		return
	}
	metrics.SyncMessages.WithLabelValues(string(msg.Type), "received").Inc()

	switch msg.Type {
	case domain.MessageSessionUpdate:
		var incoming domain.SessionData
		if err := msg.DecodePayload(&incoming); err != nil {
			slog.Warn("Undecodable session update", "from", msg.TabID, "error", err)
			return
		}
		m.mu.Lock()
		local := m.session.Clone()
		callbacks := make([]func(local, incoming *domain.SessionData), len(m.onPeerUpdate))
		copy(callbacks, m.onPeerUpdate)
		m.mu.Unlock()

		// Conflict detection sees the pre-adoption local state.
		for _, fn := range callbacks {
			fn(local, incoming.Clone())
		}

		m.mu.Lock()
		m.session = incoming
		m.mu.Unlock()

	case domain.MessageLogout:
		m.mu.Lock()
		m.session.Token = ""
		m.session.UserID = ""
		m.session.IsActive = false
		callbacks := make([]func(), len(m.onLogout))
		copy(callbacks, m.onLogout)
		m.mu.Unlock()

		slog.Info("Peer logout received", "from", msg.TabID)
		for _, fn := range callbacks {
			fn()
		}

	case domain.MessageTabRegister, domain.MessageTabUnregister:
		slog.Debug("Tab registry changed", "type", msg.Type, "tab_id", msg.TabID)
	}
}

// Cleanup releases everything this tab holds: listeners, heartbeat, locks,
// and its registry entry. Idempotent and safe to call multiple times.
func (m *Manager) Cleanup(ctx context.Context) {
	m.cleanup.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if m.unsub != nil {
			m.unsub()
		}
		m.releaseAllLocks(ctx)
		if err := m.UnregisterTab(ctx); err != nil {
			slog.Debug("Tab unregister failed during cleanup", "error", err)
		}
	})
}
