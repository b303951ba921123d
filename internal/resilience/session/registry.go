package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
)

// readTabs loads the shared tab registry. An unreadable registry is
// treated as empty; the next write rebuilds it.
func (m *Manager) readTabs(ctx context.Context) (map[string]domain.TabInfo, error) {
	raw, ok, err := m.store.Get(ctx, KeyTabs)
	if err != nil {
		return nil, err
	}
	tabs := make(map[string]domain.TabInfo)
	if !ok {
		return tabs, nil
	}
	if err := json.Unmarshal([]byte(raw), &tabs); err != nil {
		return make(map[string]domain.TabInfo), nil
	}
	return tabs, nil
}

func (m *Manager) writeTabs(ctx context.Context, tabs map[string]domain.TabInfo) error {
	data, err := json.Marshal(tabs)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, KeyTabs, string(data))
}

// RegisterTab adds this tab to the shared registry and announces it.
// Registering an already-registered tab refreshes its entry without
// duplicating it.
func (m *Manager) RegisterTab(ctx context.Context) error {
	tabs, err := m.readTabs(ctx)
	if err != nil {
		return err
	}
	m.mu.RLock()
	sessionID := m.session.SessionID
	m.mu.RUnlock()
	tabs[m.tabID] = domain.TabInfo{
		TabID:     m.tabID,
		SessionID: sessionID,
		LastSeen:  time.Now(),
		IsActive:  true,
	}
	if err := m.writeTabs(ctx, tabs); err != nil {
		return err
	}

	return m.bus.Publish(ctx, domain.SyncMessage{
		Type:      domain.MessageTabRegister,
		TabID:     m.tabID,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
}

// UnregisterTab removes this tab from the registry and announces it.
// Idempotent.
func (m *Manager) UnregisterTab(ctx context.Context) error {
	tabs, err := m.readTabs(ctx)
	if err != nil {
		return err
	}
	if _, ok := tabs[m.tabID]; ok {
		delete(tabs, m.tabID)
		if err := m.writeTabs(ctx, tabs); err != nil {
			return err
		}
	}
	return m.bus.Publish(ctx, domain.SyncMessage{
		Type:      domain.MessageTabUnregister,
		TabID:     m.tabID,
		Timestamp: time.Now(),
	})
}

// ActiveTabs returns the registered, non-stale tabs ordered by tab ID.
func (m *Manager) ActiveTabs(ctx context.Context) ([]domain.TabInfo, error) {
	tabs, err := m.readTabs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]domain.TabInfo, 0, len(tabs))
	for _, t := range tabs {
		if !t.Stale(now, m.cfg.StaleTimeout) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}
