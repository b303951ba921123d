package domain

import "time"

// ConflictType classifies a detected divergence between two views of the
// same user's session.
type ConflictType string

const (
	ConflictConcurrentLogin ConflictType = "concurrent_login"
	ConflictTokenMismatch   ConflictType = "token_mismatch"
	ConflictSessionExpired  ConflictType = "session_expired"
)

// Resolution names the strategy applied to settle a conflict.
type Resolution string

const (
	ResolveKeepCurrent   Resolution = "keep_current"
	ResolveUseNewer      Resolution = "use_newer"
	ResolveForceReauth   Resolution = "force_reauth"
	ResolveMergeSessions Resolution = "merge_sessions"
)

// Conflict is one detected session divergence. It is resolved exactly once.
type Conflict struct {
	ID        string       `json:"id"`
	Type      ConflictType `json:"type"`
	Current   *SessionData `json:"current"`
	Incoming  *SessionData `json:"incoming"`
	Resolved  bool         `json:"resolved"`
	Timestamp time.Time    `json:"timestamp"`
}
