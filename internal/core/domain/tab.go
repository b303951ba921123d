package domain

import "time"

// TabInfo describes one client context (browser tab, kiosk window,
// terminal process) participating in the shared session.
type TabInfo struct {
	TabID     string    `json:"tab_id"`
	SessionID string    `json:"session_id"`
	LastSeen  time.Time `json:"last_seen"`
	IsActive  bool      `json:"is_active"`
}

// Stale reports whether the tab has not heartbeated within the timeout.
func (t TabInfo) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(t.LastSeen) > timeout
}
