package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/broadcast"
	"github.com/gemdesk/resilience/internal/infra/storage/memory"
)

// twoTabs builds two managers over one shared store and bus, modeling two
// tabs of the same browser profile.
func twoTabs(t *testing.T) (*Manager, *Manager, *memory.Store, *broadcast.MemoryBus) {
	t.Helper()
	store := memory.NewStore()
	bus := broadcast.NewMemoryBus()
	ctx := context.Background()

	m1, err := NewManager(ctx, Config{}, store, bus)
	if err != nil {
		t.Fatalf("manager 1: %v", err)
	}
	m2, err := NewManager(ctx, Config{}, store, bus)
	if err != nil {
		t.Fatalf("manager 2: %v", err)
	}
	t.Cleanup(func() {
		m1.Cleanup(ctx)
		m2.Cleanup(ctx)
		bus.Close()
	})
	return m1, m2, store, bus
}

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegisterTab_Idempotent(t *testing.T) {
	m1, m2, _, bus := twoTabs(t)
	ctx := context.Background()

	if err := m1.RegisterTab(ctx); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	bus.Flush()

	tabs, err := m1.ActiveTabs(ctx)
	if err != nil {
		t.Fatalf("active tabs: %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("expected 2 tabs after re-register, got %d", len(tabs))
	}
	if tabs[0].TabID > tabs[1].TabID {
		t.Error("tabs must be ordered by tab ID")
	}
	_ = m2
}

func TestUnregisterTab(t *testing.T) {
	m1, m2, _, bus := twoTabs(t)
	ctx := context.Background()

	if err := m2.UnregisterTab(ctx); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	bus.Flush()

	tabs, _ := m1.ActiveTabs(ctx)
	if len(tabs) != 1 || tabs[0].TabID != m1.TabID() {
		t.Errorf("expected only tab 1 registered, got %+v", tabs)
	}
	// Unregistering again is harmless.
	if err := m2.UnregisterTab(ctx); err != nil {
		t.Errorf("second unregister failed: %v", err)
	}
}

func TestHeartbeat_PrunesStaleTabs(t *testing.T) {
	store := memory.NewStore()
	bus := broadcast.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	m, err := NewManager(ctx, Config{StaleTimeout: 50 * time.Millisecond}, store, bus)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Cleanup(ctx)

	// Plant a tab that stopped heartbeating long ago.
	tabs, _ := m.readTabs(ctx)
	tabs["dead-tab"] = domain.TabInfo{TabID: "dead-tab", LastSeen: time.Now().Add(-time.Minute), IsActive: true}
	m.writeTabs(ctx, tabs)

	m.heartbeat(ctx)

	tabs, _ = m.readTabs(ctx)
	if _, ok := tabs["dead-tab"]; ok {
		t.Error("stale tab should be pruned by heartbeat")
	}
	if _, ok := tabs[m.TabID()]; !ok {
		t.Error("own entry should be refreshed by heartbeat")
	}
}

// =============================================================================
// Session Propagation Tests
// =============================================================================

func TestUpdateSession_PropagatesToPeer(t *testing.T) {
	m1, m2, store, bus := twoTabs(t)
	ctx := context.Background()

	err := m1.UpdateSession(ctx, Patch{
		SessionID: strptr("s1"),
		UserID:    strptr("u1"),
		Token:     strptr("tok-1"),
		IsActive:  boolptr(true),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	bus.Flush()

	peer := m2.Session()
	if peer.Token != "tok-1" || peer.UserID != "u1" {
		t.Errorf("peer did not adopt update: %+v", peer)
	}
	if peer.TabID != m1.TabID() {
		t.Errorf("update should carry the writer's tab ID, got %s", peer.TabID)
	}

	// The shared store holds the same snapshot.
	raw, ok, _ := store.Get(ctx, KeySessionData)
	if !ok {
		t.Fatal("session not persisted")
	}
	var persisted domain.SessionData
	json.Unmarshal([]byte(raw), &persisted)
	if persisted.Token != "tok-1" {
		t.Errorf("persisted token %q", persisted.Token)
	}
}

func TestUpdateSession_AuthenticatedWritesBackup(t *testing.T) {
	m1, _, store, bus := twoTabs(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	m1.UpdateSession(ctx, Patch{
		SessionID: strptr("s1"),
		UserID:    strptr("u1"),
		Token:     strptr("tok-1"),
		ExpiresAt: &expiry,
		IsActive:  boolptr(true),
	})
	bus.Flush()

	if _, ok, _ := store.Get(ctx, KeySessionBackup); !ok {
		t.Error("authenticated session should be backed up")
	}
}

func TestNewManager_LoadsExistingSession(t *testing.T) {
	store := memory.NewStore()
	bus := broadcast.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	existing := domain.SessionData{SessionID: "s9", UserID: "u9", Token: "tok-9", IsActive: true}
	data, _ := json.Marshal(existing)
	store.Set(ctx, KeySessionData, string(data))

	m, err := NewManager(ctx, Config{}, store, bus)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Cleanup(ctx)

	if got := m.Session(); got.SessionID != "s9" || got.Token != "tok-9" {
		t.Errorf("existing session not loaded: %+v", got)
	}
}

func TestOnPeerUpdate_SeesPreAdoptionState(t *testing.T) {
	m1, m2, _, bus := twoTabs(t)
	ctx := context.Background()

	m2.AdoptSession(ctx, &domain.SessionData{SessionID: "s1", UserID: "u1", Token: "old", IsActive: true})

	var mu sync.Mutex
	var sawLocal, sawIncoming string
	m2.OnPeerUpdate(func(local, incoming *domain.SessionData) {
		mu.Lock()
		sawLocal = local.Token
		sawIncoming = incoming.Token
		mu.Unlock()
	})

	m1.UpdateSession(ctx, Patch{SessionID: strptr("s1"), UserID: strptr("u1"), Token: strptr("new"), IsActive: boolptr(true)})
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	if sawLocal != "old" || sawIncoming != "new" {
		t.Errorf("callback saw local=%q incoming=%q, want old/new", sawLocal, sawIncoming)
	}
	if m2.Session().Token != "new" {
		t.Error("peer should adopt the incoming session after callbacks")
	}
}

// =============================================================================
// Logout Tests
// =============================================================================

func TestBroadcastLogout_ClearsPeers(t *testing.T) {
	m1, m2, store, bus := twoTabs(t)
	ctx := context.Background()

	m1.UpdateSession(ctx, Patch{SessionID: strptr("s1"), UserID: strptr("u1"), Token: strptr("tok"), IsActive: boolptr(true)})
	bus.Flush()

	logoutFired := make(chan struct{}, 1)
	m2.OnLogout(func() { logoutFired <- struct{}{} })

	if err := m1.BroadcastLogout(ctx); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	bus.Flush()

	select {
	case <-logoutFired:
	default:
		t.Error("peer logout callback not fired")
	}

	peer := m2.Session()
	if peer.Token != "" || peer.UserID != "" || peer.IsActive {
		t.Errorf("peer session not cleared: %+v", peer)
	}
	if _, ok, _ := store.Get(ctx, KeySessionBackup); ok {
		t.Error("logout must remove the session backup")
	}
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestRequestLock_Reentrant(t *testing.T) {
	m1, _, _, _ := twoTabs(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m1.RequestLock(ctx, "token_refresh")
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%t err=%v", i, ok, err)
		}
	}
	if err := m1.ReleaseLock(ctx, "token_refresh"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRequestLock_HeldByPeer(t *testing.T) {
	m1, m2, _, _ := twoTabs(t)
	ctx := context.Background()

	if ok, _ := m1.RequestLock(ctx, "checkout"); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := m2.RequestLock(ctx, "checkout"); ok {
		t.Error("second tab must not acquire a live foreign lock")
	}
	// Releasing a lock you do not hold is a no-op.
	if err := m2.ReleaseLock(ctx, "checkout"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if ok, _ := m2.RequestLock(ctx, "checkout"); ok {
		t.Error("foreign release must not free the lock")
	}

	m1.ReleaseLock(ctx, "checkout")
	if ok, _ := m2.RequestLock(ctx, "checkout"); !ok {
		t.Error("released lock should be acquirable")
	}
}

func TestRequestLock_BreaksExpiredLease(t *testing.T) {
	store := memory.NewStore()
	bus := broadcast.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	m, err := NewManager(ctx, Config{LockTTL: 50 * time.Millisecond}, store, bus)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Cleanup(ctx)

	stale := lockRecord{Operation: "checkout", TabID: "gone-tab", AcquiredAt: time.Now().Add(-time.Minute)}
	data, _ := json.Marshal(stale)
	store.Set(ctx, KeyLockPrefix+"checkout", string(data))

	ok, err := m.RequestLock(ctx, "checkout")
	if err != nil || !ok {
		t.Errorf("expired lease should be breakable, ok=%t err=%v", ok, err)
	}
}

func TestRequestLock_RaceLowestTabIDWins(t *testing.T) {
	m1, _, store, _ := twoTabs(t)
	ctx := context.Background()

	// Simulate a racing writer sneaking in between this tab's write and
	// its verify read. Tab IDs are UUIDs, so '~' sorts above and ' ' below
	// any of them.
	overwrite := func(tabID string) {
		var once sync.Once
		store.Watch(func(key, value string) {
			if key != KeyLockPrefix+"sync" || value == "" {
				return
			}
			var rec lockRecord
			if json.Unmarshal([]byte(value), &rec) != nil || rec.TabID != m1.TabID() {
				return
			}
			once.Do(func() {
				foreign := lockRecord{Operation: "sync", TabID: tabID, AcquiredAt: time.Now()}
				data, _ := json.Marshal(foreign)
				store.Set(ctx, KeyLockPrefix+"sync", string(data))
			})
		})
	}

	overwrite("~racer")
	ok, err := m1.RequestLock(ctx, "sync")
	if err != nil || !ok {
		t.Errorf("lower tab ID should win the race, ok=%t err=%v", ok, err)
	}
	holder, found, _ := m1.readLock(ctx, KeyLockPrefix+"sync")
	if !found || holder.TabID != m1.TabID() {
		t.Errorf("winner should hold the lock, holder=%+v", holder)
	}
}

func TestRequestLock_RaceHigherTabIDBacksOff(t *testing.T) {
	m1, _, store, _ := twoTabs(t)
	ctx := context.Background()

	var once sync.Once
	store.Watch(func(key, value string) {
		if key != KeyLockPrefix+"sync" || value == "" {
			return
		}
		var rec lockRecord
		if json.Unmarshal([]byte(value), &rec) != nil || rec.TabID != m1.TabID() {
			return
		}
		once.Do(func() {
			foreign := lockRecord{Operation: "sync", TabID: " racer", AcquiredAt: time.Now()}
			data, _ := json.Marshal(foreign)
			store.Set(ctx, KeyLockPrefix+"sync", string(data))
		})
	})

	ok, err := m1.RequestLock(ctx, "sync")
	if err != nil {
		t.Fatalf("race errored: %v", err)
	}
	if ok {
		t.Error("higher tab ID must back off when racing a lower one")
	}
}

// =============================================================================
// Cleanup Tests
// =============================================================================

func TestCleanup_ReleasesEverything(t *testing.T) {
	store := memory.NewStore()
	bus := broadcast.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	m1, _ := NewManager(ctx, Config{}, store, bus)
	m2, _ := NewManager(ctx, Config{}, store, bus)
	defer m2.Cleanup(ctx)

	m1.RequestLock(ctx, "checkout")
	m1.Start(ctx)

	m1.Cleanup(ctx)
	m1.Cleanup(ctx) // idempotent

	bus.Flush()
	tabs, _ := m2.ActiveTabs(ctx)
	for _, tab := range tabs {
		if tab.TabID == m1.TabID() {
			t.Error("cleaned-up tab should be unregistered")
		}
	}
	if ok, _ := m2.RequestLock(ctx, "checkout"); !ok {
		t.Error("cleaned-up tab's locks should be released")
	}

	// A cleaned-up manager no longer reacts to peer updates.
	m2.UpdateSession(ctx, Patch{Token: strptr("after")})
	bus.Flush()
	if m1.Session().Token == "after" {
		t.Error("unsubscribed manager must not adopt peer updates")
	}
}
