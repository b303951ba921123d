package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// State and listeners
// ============================================================================

func TestMonitor_StartsOnline(t *testing.T) {
	m := NewMonitor(nil, 0)
	if !m.Online() {
		t.Error("Expected a fresh monitor to report online")
	}
}

func TestSetOnline_FiresOnlyOnTransition(t *testing.T) {
	m := NewMonitor(nil, 0)

	var mu sync.Mutex
	var events []bool
	unsub := m.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, online)
	})
	defer unsub()

	m.SetOnline(true)  // already online, no event
	m.SetOnline(false) // transition
	m.SetOnline(false) // repeat, no event
	m.SetOnline(true)  // transition

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("Expected 2 transition events, got %d", len(events))
	}
	if events[0] != false || events[1] != true {
		t.Errorf("Expected [false true], got %v", events)
	}
	if !m.Online() {
		t.Error("Expected monitor online after final transition")
	}
}

func TestSubscribe_UnsubscribeStopsEvents(t *testing.T) {
	m := NewMonitor(nil, 0)

	var mu sync.Mutex
	count := 0
	unsub := m.Subscribe(func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	m.SetOnline(false)
	unsub()
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("Expected 1 event after unsubscribe, got %d", count)
	}
}

// ============================================================================
// Probe loop
// ============================================================================

func TestStart_ProbeDrivesState(t *testing.T) {
	var mu sync.Mutex
	reachable := true
	probe := func(ctx context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return reachable
	}

	m := NewMonitor(probe, 5*time.Millisecond)
	m.Start(context.Background())
	defer m.Stop()

	mu.Lock()
	reachable = false
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.Online() {
		time.Sleep(2 * time.Millisecond)
	}
	if m.Online() {
		t.Fatal("Expected probe to drive monitor offline")
	}

	mu.Lock()
	reachable = true
	mu.Unlock()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !m.Online() {
		time.Sleep(2 * time.Millisecond)
	}
	if !m.Online() {
		t.Fatal("Expected probe to drive monitor back online")
	}
}

func TestStart_NilProbeIsNoop(t *testing.T) {
	m := NewMonitor(nil, time.Millisecond)
	m.Start(context.Background())
	m.Stop()

	// SetOnline still works without a probe loop.
	m.SetOnline(false)
	if m.Online() {
		t.Error("Expected SetOnline to drive state without a probe")
	}
}

func TestStop_Idempotent(t *testing.T) {
	m := NewMonitor(func(ctx context.Context) bool { return true }, time.Millisecond)
	m.Start(context.Background())
	m.Stop()
	m.Stop()

	// Restartable after Stop.
	m.Start(context.Background())
	m.Stop()
}
