package domain

import "time"

// SessionData is the one logical session shared by every tab of a user.
// It is mirrored into the shared key-value store and re-derived by each
// tab on startup.
type SessionData struct {
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	Token        string          `json:"token"`
	ExpiresAt    time.Time       `json:"expires_at"`
	LastActivity time.Time       `json:"last_activity"`
	TabID        string          `json:"tab_id"` // tab that last wrote this value
	IsActive     bool            `json:"is_active"`
	Metadata     SessionMetadata `json:"metadata"`
}

// SessionMetadata carries auxiliary session attributes that survive token
// refreshes.
type SessionMetadata struct {
	UserAgent    string    `json:"user_agent"`
	LoginTime    time.Time `json:"login_time"`
	RefreshCount int       `json:"refresh_count"`
}

// Expired reports whether the session is past its expiry at the given time.
// A zero ExpiresAt means "no expiry recorded" and is treated as expired.
func (s *SessionData) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return true
	}
	return !s.ExpiresAt.After(now)
}

// Authenticated reports whether the session holds a usable identity.
func (s *SessionData) Authenticated() bool {
	return s != nil && s.IsActive && s.Token != "" && s.UserID != ""
}

// TokenPair is a fresh access/refresh token set issued by the auth server.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Clone returns a deep copy.
func (s *SessionData) Clone() *SessionData {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
