package fallback

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/storage"
	"github.com/gemdesk/resilience/internal/infra/transport"
	"github.com/gemdesk/resilience/internal/resilience/session"
)

// Strategy priorities; ascending order is evaluation order.
const (
	PriorityNetworkRetry        = 10
	PriorityTokenRefresh        = 20
	PrioritySessionRecovery     = 30
	PriorityOfflineMode         = 40
	PriorityGracefulDegradation = 50
	PriorityManualIntervention  = 60
)

// manualAttemptThreshold is the attempt count past which a failure is
// considered persistent and handed to the user.
const manualAttemptThreshold = 10

// RetryAdvisor is what the strategies need from the network detector.
type RetryAdvisor interface {
	Classify(f *transport.Failure) *domain.NetworkError
	ShouldRetry(ne *domain.NetworkError) bool
	Delay(retryCount int) time.Duration
	MaxRetries() int
}

// AuthState is the slice of the application's auth store the strategies
// mutate. The resilience layer never owns this data.
type AuthState interface {
	Current() *domain.SessionData
	RefreshToken() string
	UpdateTokens(access, refresh string, expiresAt time.Time)
	RestoreSession(snapshot *domain.SessionData)
	Logout()
}

// TokenEndpoint exchanges a refresh token for a new token pair.
type TokenEndpoint interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
}

// SessionValidator confirms a session snapshot against the server.
type SessionValidator interface {
	Validate(ctx context.Context, s *domain.SessionData) (bool, error)
}

// Connectivity is the platform online/offline signal.
type Connectivity interface {
	Online() bool
}

// SessionUpdater pushes refreshed tokens into the cross-tab session so
// peers observe the new token without refreshing themselves.
type SessionUpdater interface {
	UpdateSession(ctx context.Context, patch session.Patch) error
}

// DegradedMode is the shared reduced-functionality flag flipped by
// graceful degradation and cleared by the application once recovered.
type DegradedMode struct {
	limited atomic.Bool
}

func (m *DegradedMode) Limited() bool { return m.limited.Load() }

func (m *DegradedMode) SetLimited(v bool) { m.limited.Store(v) }

// ----------------------------------------------------------------------------
// network_retry
// ----------------------------------------------------------------------------

// NetworkRetry applies when the detector judges the failure retryable and
// attempts remain; it instructs the caller to retry after the backoff
// delay.
type NetworkRetry struct {
	Detector RetryAdvisor
}

func (s *NetworkRetry) Name() string  { return "network_retry" }
func (s *NetworkRetry) Priority() int { return PriorityNetworkRetry }

func (s *NetworkRetry) Applies(f *transport.Failure, opCtx *OpContext) bool {
	if opCtx.Attempts >= s.Detector.MaxRetries() {
		return false
	}
	ne := s.Detector.Classify(f)
	ne.RetryCount = opCtx.Attempts
	return s.Detector.ShouldRetry(ne)
}

func (s *NetworkRetry) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	return &domain.FallbackResult{
		Success:          true,
		Action:           domain.ActionRetry,
		NextAttemptDelay: s.Detector.Delay(opCtx.Attempts),
	}
}

// ----------------------------------------------------------------------------
// token_refresh
// ----------------------------------------------------------------------------

// TokenRefresh applies on 401 when the failed operation is not itself a
// refresh and a refresh token is available. A failed refresh still counts
// as a successful strategy execution: the deterministic next action is a
// redirect to re-authentication.
type TokenRefresh struct {
	Auth     AuthState
	Endpoint TokenEndpoint
	Sessions SessionUpdater
}

func (s *TokenRefresh) Name() string  { return "token_refresh" }
func (s *TokenRefresh) Priority() int { return PriorityTokenRefresh }

func (s *TokenRefresh) Applies(f *transport.Failure, opCtx *OpContext) bool {
	return f.Status == http.StatusUnauthorized && !opCtx.IsRefresh() && s.Auth.RefreshToken() != ""
}

func (s *TokenRefresh) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	pair, err := s.Endpoint.Refresh(ctx, s.Auth.RefreshToken())
	if err != nil {
		return &domain.FallbackResult{
			Success: true,
			Action:  domain.ActionRedirect,
			Message: "token refresh failed, re-authentication required",
		}
	}

	s.Auth.UpdateTokens(pair.AccessToken, pair.RefreshToken, pair.ExpiresAt)
	if s.Sessions != nil {
		patch := session.Patch{Token: &pair.AccessToken}
		if !pair.ExpiresAt.IsZero() {
			patch.ExpiresAt = &pair.ExpiresAt
		}
		// A failed broadcast is tolerable: peers pick the token up from
		// storage on their next read.
		_ = s.Sessions.UpdateSession(ctx, patch)
	}
	return &domain.FallbackResult{
		Success: true,
		Action:  domain.ActionRetry,
		Message: "token refreshed",
	}
}

// ----------------------------------------------------------------------------
// session_recovery
// ----------------------------------------------------------------------------

// SessionRecovery applies on 401 when a backup session snapshot exists in
// the shared store; the snapshot is confirmed against the server before
// being restored.
type SessionRecovery struct {
	Store     storage.KeyValue
	Auth      AuthState
	Validator SessionValidator
}

func (s *SessionRecovery) Name() string  { return "session_recovery" }
func (s *SessionRecovery) Priority() int { return PrioritySessionRecovery }

func (s *SessionRecovery) Applies(f *transport.Failure, opCtx *OpContext) bool {
	if f.Status != http.StatusUnauthorized {
		return false
	}
	_, ok, err := s.Store.Get(context.Background(), session.KeySessionBackup)
	return err == nil && ok
}

func (s *SessionRecovery) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	raw, ok, err := s.Store.Get(ctx, session.KeySessionBackup)
	if err != nil || !ok {
		return &domain.FallbackResult{Success: false, Action: domain.ActionRedirect, Message: "no backup session"}
	}
	var snapshot domain.SessionData
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return &domain.FallbackResult{Success: false, Action: domain.ActionRedirect, Message: "backup session unreadable"}
	}

	valid, err := s.Validator.Validate(ctx, &snapshot)
	if err != nil || !valid {
		return &domain.FallbackResult{
			Success: false,
			Action:  domain.ActionRedirect,
			Message: "backup session rejected by server",
		}
	}

	s.Auth.RestoreSession(&snapshot)
	return &domain.FallbackResult{
		Success: true,
		Action:  domain.ActionRetry,
		Message: "session restored from backup",
	}
}

// ----------------------------------------------------------------------------
// offline_mode
// ----------------------------------------------------------------------------

// OfflineMode applies while the platform is offline, except for logins,
// which need the server. An unexpired cached session keeps the client
// usable from cache; otherwise the operation fails as offline.
type OfflineMode struct {
	Conn  Connectivity
	Store storage.KeyValue
}

func (s *OfflineMode) Name() string  { return "offline_mode" }
func (s *OfflineMode) Priority() int { return PriorityOfflineMode }

func (s *OfflineMode) Applies(f *transport.Failure, opCtx *OpContext) bool {
	return !s.Conn.Online() && !opCtx.IsLogin()
}

func (s *OfflineMode) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	raw, ok, err := s.Store.Get(ctx, session.KeySessionData)
	if err == nil && ok {
		var cached domain.SessionData
		if json.Unmarshal([]byte(raw), &cached) == nil && !cached.Expired(time.Now()) {
			return &domain.FallbackResult{
				Success: true,
				Action:  domain.ActionCache,
				Message: "serving from cached session while offline",
			}
		}
	}
	return &domain.FallbackResult{
		Success: false,
		Action:  domain.ActionOffline,
		Message: "offline with no usable cached session",
	}
}

// ----------------------------------------------------------------------------
// graceful_degradation
// ----------------------------------------------------------------------------

// GracefulDegradation applies once retries are exhausted for a server
// error; it flips the reduced-functionality flag so the application keeps
// serving what it can from cache.
type GracefulDegradation struct {
	Detector RetryAdvisor
	Mode     *DegradedMode
}

func (s *GracefulDegradation) Name() string  { return "graceful_degradation" }
func (s *GracefulDegradation) Priority() int { return PriorityGracefulDegradation }

func (s *GracefulDegradation) Applies(f *transport.Failure, opCtx *OpContext) bool {
	return f.Status >= 500 && opCtx.Attempts >= s.Detector.MaxRetries()
}

func (s *GracefulDegradation) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	s.Mode.SetLimited(true)
	return &domain.FallbackResult{
		Success: true,
		Action:  domain.ActionCache,
		Message: "entering reduced-functionality mode",
		Data:    map[string]any{"limited": true},
	}
}

// ----------------------------------------------------------------------------
// manual_intervention
// ----------------------------------------------------------------------------

// ManualIntervention is the terminal strategy for persistent failures and
// for a 403 on login: the caller is expected to surface an actionable
// message rather than keep retrying silently.
type ManualIntervention struct{}

func (s *ManualIntervention) Name() string  { return "manual_intervention" }
func (s *ManualIntervention) Priority() int { return PriorityManualIntervention }

func (s *ManualIntervention) Applies(f *transport.Failure, opCtx *OpContext) bool {
	if opCtx.Attempts >= manualAttemptThreshold {
		return true
	}
	return f.Status == http.StatusForbidden && opCtx.IsLogin()
}

func (s *ManualIntervention) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	return &domain.FallbackResult{
		Success: true,
		Action:  domain.ActionManual,
		Message: "please sign in again",
	}
}
