// Package conflict detects divergence between this tab's session and an
// incoming (peer or server) view of it, and applies a resolution policy.
// Conflict detection exists because cross-tab messages carry no global
// order: last-write-wins is not always correct.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/resilience/metrics"
)

// SessionControl is the slice of the cross-tab session manager the
// resolver drives.
type SessionControl interface {
	Session() *domain.SessionData
	AdoptSession(ctx context.Context, s *domain.SessionData) error
	BroadcastLogout(ctx context.Context) error
}

// AuthControl is the slice of the application auth store the resolver
// drives.
type AuthControl interface {
	RestoreSession(snapshot *domain.SessionData)
	Logout()
}

// Validator confirms a session against the server.
type Validator interface {
	Validate(ctx context.Context, s *domain.SessionData) (bool, error)
}

// Config holds resolver settings.
type Config struct {
	// AutoResolveWait bounds how long a conflict may sit unresolved before
	// the default resolution is applied.
	AutoResolveWait time.Duration `yaml:"auto_resolve_wait"`
	HistoryLimit    int           `yaml:"history_limit"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	AutoResolveWait: 30 * time.Second,
	HistoryLimit:    100,
}

// Notification is a user-facing conflict banner. Dismissing it is
// independent of resolving the underlying conflict.
type Notification struct {
	ID         string    `json:"id"`
	ConflictID string    `json:"conflict_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	Dismissed  bool      `json:"dismissed"`
}

// Resolver detects and settles session conflicts.
type Resolver struct {
	cfg       Config
	sessions  SessionControl
	auth      AuthControl
	validator Validator

	mu            sync.Mutex
	conflicts     []*domain.Conflict
	notifications []Notification
	timers        map[string]*time.Timer
	closed        bool
}

// NewResolver creates a resolver over the given collaborators.
func NewResolver(cfg Config, sessions SessionControl, auth AuthControl, validator Validator) *Resolver {
	if cfg.AutoResolveWait == 0 {
		cfg.AutoResolveWait = DefaultConfig.AutoResolveWait
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}
	return &Resolver{
		cfg:       cfg,
		sessions:  sessions,
		auth:      auth,
		validator: validator,
		timers:    make(map[string]*time.Timer),
	}
}

// Detect compares the local session with an incoming one and records a
// conflict when they diverge. A duplicate of an unresolved conflict (same
// type, same incoming token and session) is not recorded twice. Returns
// nil when there is no conflict.
func (r *Resolver) Detect(local, incoming *domain.SessionData) *domain.Conflict {
	if local == nil || incoming == nil {
		return nil
	}
	// A different account in another tab is not a conflict of this session.
	if incoming.UserID != "" && local.UserID != "" && incoming.UserID != local.UserID {
		return nil
	}

	ctype := classify(local, incoming)
	if ctype == "" {
		return nil
	}

	r.mu.Lock()
	for _, c := range r.conflicts {
		if !c.Resolved && c.Type == ctype &&
			c.Incoming.Token == incoming.Token && c.Incoming.SessionID == incoming.SessionID {
			r.mu.Unlock()
			return c
		}
	}
	c := r.recordLocked(ctype, local, incoming)
	r.mu.Unlock()

	metrics.SessionConflicts.WithLabelValues(string(ctype)).Inc()
	slog.Warn("Session conflict detected", "id", c.ID, "type", ctype)
	return c
}

// recordLocked appends a conflict with its notification and arms the
// auto-resolve timer. Caller holds r.mu.
func (r *Resolver) recordLocked(ctype domain.ConflictType, local, incoming *domain.SessionData) *domain.Conflict {
	c := &domain.Conflict{
		ID:        uuid.NewString(),
		Type:      ctype,
		Current:   local.Clone(),
		Incoming:  incoming.Clone(),
		Timestamp: time.Now(),
	}
	r.conflicts = append(r.conflicts, c)
	if len(r.conflicts) > r.cfg.HistoryLimit {
		r.conflicts = r.conflicts[len(r.conflicts)-r.cfg.HistoryLimit:]
	}
	r.notifications = append(r.notifications, Notification{
		ID:         uuid.NewString(),
		ConflictID: c.ID,
		Message:    notificationMessage(ctype),
		CreatedAt:  time.Now(),
	})
	if len(r.notifications) > r.cfg.HistoryLimit {
		r.notifications = r.notifications[len(r.notifications)-r.cfg.HistoryLimit:]
	}
	if !r.closed {
		id := c.ID
		r.timers[id] = time.AfterFunc(r.cfg.AutoResolveWait, func() {
			r.autoResolve(id)
		})
	}
	return c
}

// classify orders the divergence checks: both token and session identity
// differ means a concurrent login; only the token differing means a token
// mismatch; a later incoming expiry means the local session is stale.
func classify(local, incoming *domain.SessionData) domain.ConflictType {
	tokenDiffers := incoming.Token != local.Token
	sessionDiffers := incoming.SessionID != local.SessionID

	switch {
	case tokenDiffers && sessionDiffers:
		return domain.ConflictConcurrentLogin
	case tokenDiffers:
		return domain.ConflictTokenMismatch
	case !incoming.ExpiresAt.Equal(local.ExpiresAt) && incoming.ExpiresAt.After(local.ExpiresAt):
		return domain.ConflictSessionExpired
	}
	return ""
}

func notificationMessage(t domain.ConflictType) string {
	switch t {
	case domain.ConflictConcurrentLogin:
		return "your account was signed in from another tab"
	case domain.ConflictTokenMismatch:
		return "your session was updated in another tab"
	case domain.ConflictSessionExpired:
		return "your session information was out of date"
	}
	return "session conflict detected"
}

// Resolve applies a resolution to an unresolved conflict. Each conflict is
// resolved exactly once.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution domain.Resolution) error {
	r.mu.Lock()
	var c *domain.Conflict
	for _, candidate := range r.conflicts {
		if candidate.ID == conflictID {
			c = candidate
			break
		}
	}
	if c == nil {
		r.mu.Unlock()
		return fmt.Errorf("conflict %s not found", conflictID)
	}
	if c.Resolved {
		r.mu.Unlock()
		return fmt.Errorf("conflict %s already resolved", conflictID)
	}
	c.Resolved = true
	if t, ok := r.timers[conflictID]; ok {
		t.Stop()
		delete(r.timers, conflictID)
	}
	incoming := c.Incoming.Clone()
	current := c.Current.Clone()
	r.mu.Unlock()

	slog.Info("Resolving session conflict", "id", conflictID, "resolution", resolution)
	switch resolution {
	case domain.ResolveKeepCurrent:
		return nil

	case domain.ResolveUseNewer:
		if err := r.sessions.AdoptSession(ctx, incoming); err != nil {
			return err
		}
		r.auth.RestoreSession(incoming)
		return nil

	case domain.ResolveForceReauth:
		r.auth.Logout()
		return r.sessions.BroadcastLogout(ctx)

	case domain.ResolveMergeSessions:
		merged := current.Clone()
		// Keep the current token and session identity; merge the profile
		// fields the incoming side may have refreshed.
		if incoming.UserID != "" {
			merged.UserID = incoming.UserID
		}
		if incoming.Metadata.UserAgent != "" {
			merged.Metadata.UserAgent = incoming.Metadata.UserAgent
		}
		if incoming.Metadata.RefreshCount > merged.Metadata.RefreshCount {
			merged.Metadata.RefreshCount = incoming.Metadata.RefreshCount
		}
		if incoming.LastActivity.After(merged.LastActivity) {
			merged.LastActivity = incoming.LastActivity
		}
		if err := r.sessions.AdoptSession(ctx, merged); err != nil {
			return err
		}
		r.auth.RestoreSession(merged)
		return nil
	}
	return fmt.Errorf("unknown resolution %q", resolution)
}

// autoResolve applies the default resolution to a conflict nobody settled
// within the bounded wait, so dual-session state cannot persist forever.
func (r *Resolver) autoResolve(conflictID string) {
	r.mu.Lock()
	delete(r.timers, conflictID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Resolve(ctx, conflictID, domain.ResolveUseNewer); err != nil {
		slog.Debug("Auto-resolve skipped", "id", conflictID, "error", err)
	}
}

// ValidateWithServer confirms the current session against the server after
// a local auth-state change. A rejected session is recorded as a
// session_expired conflict for the usual resolution flow.
func (r *Resolver) ValidateWithServer(ctx context.Context) {
	local := r.sessions.Session()
	if local == nil || !local.Authenticated() {
		return
	}
	valid, err := r.validator.Validate(ctx, local)
	if err != nil {
		slog.Debug("Server session validation unavailable", "error", err)
		return
	}
	if valid {
		return
	}
	// The server's view supersedes ours; record the divergence as a
	// session_expired conflict and let the normal resolution flow run.
	expired := local.Clone()
	expired.IsActive = false
	r.mu.Lock()
	c := r.recordLocked(domain.ConflictSessionExpired, local, expired)
	r.mu.Unlock()
	metrics.SessionConflicts.WithLabelValues(string(domain.ConflictSessionExpired)).Inc()
	slog.Warn("Server rejected current session", "conflict_id", c.ID)
}

// Conflicts returns a copy of the conflict history, oldest first.
func (r *Resolver) Conflicts() []domain.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, *c)
	}
	return out
}

// Unresolved returns the number of open conflicts.
func (r *Resolver) Unresolved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, c := range r.conflicts {
		if !c.Resolved {
			n++
		}
	}
	return n
}

// Notifications returns a copy of the notification history, oldest first.
func (r *Resolver) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

// Dismiss marks a notification dismissed without touching its conflict.
func (r *Resolver) Dismiss(notificationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.notifications {
		if r.notifications[i].ID == notificationID {
			r.notifications[i].Dismissed = true
			return true
		}
	}
	return false
}

// Close stops pending auto-resolve timers.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
