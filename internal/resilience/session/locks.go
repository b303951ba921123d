package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// lockRecord is the advisory lock value stored under a named lock key.
type lockRecord struct {
	Operation  string    `json:"operation"`
	TabID      string    `json:"tab_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// RequestLock tries to acquire the named advisory lock for this tab. The
// same tab re-acquiring its own lock succeeds (reentrant). The shared
// store has no compare-and-set, so acquisition is write-then-verify; when
// two tabs race for the same name, the lexicographically lowest tab ID
// wins and the loser is expected to retry after backoff. The grant is
// advisory only: an unlucky interleaving of the write and verify steps can
// leave both racers believing they hold the lock for one beat, so holders
// must tolerate a transient dual grant rather than treat the lock as hard
// mutual exclusion.
func (m *Manager) RequestLock(ctx context.Context, operation string) (bool, error) {
	key := KeyLockPrefix + operation

	if holder, ok, err := m.readLock(ctx, key); err != nil {
		return false, err
	} else if ok {
		if holder.TabID == m.tabID {
			return true, nil
		}
		if !m.lockBreakable(ctx, holder) {
			return false, nil
		}
		slog.Debug("Breaking stale lock", "operation", operation, "holder", holder.TabID)
	}

	record := lockRecord{
		Operation:  operation,
		TabID:      m.tabID,
		AcquiredAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	if err := m.store.Set(ctx, key, string(data)); err != nil {
		return false, err
	}

	// Verify: a racing tab may have overwritten the record between our read
	// and write. Lowest tab ID wins the tie deterministically.
	holder, ok, err := m.readLock(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if holder.TabID == m.tabID {
		return true, nil
	}
	if m.tabID < holder.TabID {
		if err := m.store.Set(ctx, key, string(data)); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ReleaseLock releases the named lock if this tab holds it.
func (m *Manager) ReleaseLock(ctx context.Context, operation string) error {
	key := KeyLockPrefix + operation
	holder, ok, err := m.readLock(ctx, key)
	if err != nil || !ok {
		return err
	}
	if holder.TabID != m.tabID {
		return nil
	}
	return m.store.Delete(ctx, key)
}

func (m *Manager) readLock(ctx context.Context, key string) (lockRecord, bool, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return lockRecord{}, false, err
	}
	var record lockRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// A torn lock record protects nothing; treat it as absent.
		return lockRecord{}, false, nil
	}
	return record, true, nil
}

// lockBreakable reports whether a foreign lock may be taken over: the
// holder's lease expired, or the holder is no longer a registered tab.
func (m *Manager) lockBreakable(ctx context.Context, holder lockRecord) bool {
	if time.Since(holder.AcquiredAt) > m.cfg.LockTTL {
		return true
	}
	tabs, err := m.readTabs(ctx)
	if err != nil {
		return false
	}
	t, ok := tabs[holder.TabID]
	if !ok {
		return true
	}
	return t.Stale(time.Now(), m.cfg.StaleTimeout)
}

// releaseAllLocks drops every lock this tab still holds. Called from
// Cleanup.
func (m *Manager) releaseAllLocks(ctx context.Context) {
	keys, err := m.store.Keys(ctx, KeyLockPrefix)
	if err != nil {
		return
	}
	for _, key := range keys {
		holder, ok, err := m.readLock(ctx, key)
		if err != nil || !ok {
			continue
		}
		if holder.TabID == m.tabID {
			if err := m.store.Delete(ctx, key); err != nil {
				slog.Debug("Lock release failed during cleanup", "key", key, "error", err)
			}
		}
	}
}
