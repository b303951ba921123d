// Package authstate holds the application's current authentication state:
// user, tokens, expiry. The resilience layer mutates it through the small
// interfaces its packages declare; the application's state container can
// replace this implementation.
package authstate

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gemdesk/resilience/internal/core/domain"
)

// Store is an in-memory auth state container.
type Store struct {
	mu           sync.RWMutex
	session      domain.SessionData
	refreshToken string
	onLogout     []func()
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Current returns a copy of the current session.
func (s *Store) Current() *domain.SessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// RefreshToken returns the stored refresh token, empty if none.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

// UpdateTokens records a new token pair. When expiresAt is zero it is
// derived from the access token's exp claim, when the token is a JWT.
func (s *Store) UpdateTokens(access, refresh string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		expiresAt = TokenExpiry(access)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Token = access
	if refresh != "" {
		s.refreshToken = refresh
	}
	if !expiresAt.IsZero() {
		s.session.ExpiresAt = expiresAt
	}
	s.session.LastActivity = time.Now()
	s.session.IsActive = true
	s.session.Metadata.RefreshCount++
}

// RestoreSession replaces the whole session with a snapshot.
func (s *Store) RestoreSession(snapshot *domain.SessionData) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = *snapshot
}

// Logout clears identity and tokens and fires logout listeners.
func (s *Store) Logout() {
	s.mu.Lock()
	s.session.Token = ""
	s.session.UserID = ""
	s.session.IsActive = false
	s.refreshToken = ""
	listeners := make([]func(), len(s.onLogout))
	copy(listeners, s.onLogout)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnLogout registers a listener fired after every Logout.
func (s *Store) OnLogout(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// TokenExpiry extracts the exp claim from a JWT without verifying its
// signature; expiry is advisory here, the server remains the authority.
// Returns the zero time when the token is not a parsable JWT.
func TokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
