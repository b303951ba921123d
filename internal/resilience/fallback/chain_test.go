package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/authstate"
	"github.com/gemdesk/resilience/internal/infra/storage/memory"
	"github.com/gemdesk/resilience/internal/infra/transport"
	"github.com/gemdesk/resilience/internal/resilience/session"
)

// =============================================================================
// Mocks
// =============================================================================

type mockAdvisor struct {
	maxRetries int
	retryable  map[int]bool
}

func newMockAdvisor() *mockAdvisor {
	return &mockAdvisor{
		maxRetries: 3,
		retryable:  map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true},
	}
}

func (a *mockAdvisor) Classify(f *transport.Failure) *domain.NetworkError {
	ne := &domain.NetworkError{Status: f.Status, Timestamp: time.Now()}
	switch {
	case f.Timeout:
		ne.Type = domain.NetworkTimeout
	case f.Status >= 500:
		ne.Type = domain.NetworkServerError
	default:
		ne.Type = domain.NetworkConnectionFailed
	}
	return ne
}

func (a *mockAdvisor) ShouldRetry(ne *domain.NetworkError) bool {
	if ne.RetryCount >= a.maxRetries {
		return false
	}
	if ne.Status != 0 && !a.retryable[ne.Status] {
		return false
	}
	return true
}

func (a *mockAdvisor) Delay(retryCount int) time.Duration { return time.Millisecond }
func (a *mockAdvisor) MaxRetries() int                    { return a.maxRetries }

type mockEndpoint struct {
	mu    sync.Mutex
	pair  *domain.TokenPair
	err   error
	calls int
}

func (e *mockEndpoint) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.pair, e.err
}

type mockValidator struct {
	valid bool
	err   error
}

func (v *mockValidator) Validate(ctx context.Context, s *domain.SessionData) (bool, error) {
	return v.valid, v.err
}

type mockConn struct{ online bool }

func (c *mockConn) Online() bool { return c.online }

type mockSessionUpdater struct {
	mu      sync.Mutex
	patches []session.Patch
}

func (u *mockSessionUpdater) UpdateSession(ctx context.Context, patch session.Patch) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.patches = append(u.patches, patch)
	return nil
}

type blockingStrategy struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStrategy) Name() string  { return "blocking" }
func (s *blockingStrategy) Priority() int { return 1 }
func (s *blockingStrategy) Applies(f *transport.Failure, opCtx *OpContext) bool {
	return true
}
func (s *blockingStrategy) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	close(s.entered)
	<-s.release
	return &domain.FallbackResult{Success: true, Action: domain.ActionRetry}
}

func fullChain(advisor RetryAdvisor, auth AuthState, endpoint TokenEndpoint, validator SessionValidator, conn Connectivity, store *memory.Store, mode *DegradedMode) *Chain {
	c := NewChain(Config{})
	c.Register(
		&NetworkRetry{Detector: advisor},
		&TokenRefresh{Auth: auth, Endpoint: endpoint},
		&SessionRecovery{Store: store, Auth: auth, Validator: validator},
		&OfflineMode{Conn: conn, Store: store},
		&GracefulDegradation{Detector: advisor, Mode: mode},
		&ManualIntervention{},
	)
	return c
}

func activeSession(token string) *domain.SessionData {
	return &domain.SessionData{
		SessionID:    "s1",
		UserID:       "u1",
		Token:        token,
		ExpiresAt:    time.Now().Add(time.Hour),
		LastActivity: time.Now(),
		IsActive:     true,
	}
}

// =============================================================================
// Chain Ordering Tests
// =============================================================================

func TestChain_OrderedByPriority(t *testing.T) {
	c := NewChain(Config{})
	c.Register(&ManualIntervention{}, &NetworkRetry{Detector: newMockAdvisor()})
	c.Register(&GracefulDegradation{Detector: newMockAdvisor(), Mode: &DegradedMode{}})

	ss := c.Strategies()
	if len(ss) != 3 {
		t.Fatalf("expected 3 strategies, got %d", len(ss))
	}
	for i := 1; i < len(ss); i++ {
		if ss[i-1].Priority() > ss[i].Priority() {
			t.Errorf("strategies out of order: %s before %s", ss[i-1].Name(), ss[i].Name())
		}
	}
}

func TestChain_RetryableServerErrorPicksNetworkRetry(t *testing.T) {
	auth := authstate.NewStore()
	c := fullChain(newMockAdvisor(), auth, &mockEndpoint{}, &mockValidator{}, &mockConn{online: true}, memory.NewStore(), &DegradedMode{})

	result := c.Execute(context.Background(), &transport.Failure{Status: 503}, &OpContext{Operation: "load_catalog", Attempts: 1})
	if result.Strategy != "network_retry" {
		t.Errorf("expected network_retry, got %s", result.Strategy)
	}
	if !result.Success || result.Action != domain.ActionRetry {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.NextAttemptDelay <= 0 {
		t.Error("retry result should carry a backoff delay")
	}
}

func TestChain_ExhaustedServerErrorDegrades(t *testing.T) {
	auth := authstate.NewStore()
	mode := &DegradedMode{}
	c := fullChain(newMockAdvisor(), auth, &mockEndpoint{}, &mockValidator{}, &mockConn{online: true}, memory.NewStore(), mode)

	result := c.Execute(context.Background(), &transport.Failure{Status: 500}, &OpContext{Operation: "load_catalog", Attempts: 3})
	if result.Strategy != "graceful_degradation" {
		t.Errorf("expected graceful_degradation, got %s", result.Strategy)
	}
	if !mode.Limited() {
		t.Error("degraded mode flag should be set")
	}
	if result.Data["limited"] != true {
		t.Errorf("expected limited data flag, got %+v", result.Data)
	}
}

func TestChain_NoApplicableStrategy(t *testing.T) {
	c := NewChain(Config{})
	c.Register(&ManualIntervention{})

	// 404 on a regular operation with few attempts matches nothing.
	result := c.Execute(context.Background(), &transport.Failure{Status: 404}, &OpContext{Operation: "load_catalog"})
	if result.Success {
		t.Error("no-strategy result must not be a success")
	}
	if result.Action != domain.ActionManual {
		t.Errorf("expected manual action, got %s", result.Action)
	}
}

func TestChain_BusySentinel(t *testing.T) {
	c := NewChain(Config{})
	blocking := &blockingStrategy{entered: make(chan struct{}), release: make(chan struct{})}
	c.Register(blocking)

	go c.Execute(context.Background(), &transport.Failure{Status: 503}, nil)
	<-blocking.entered

	result := c.Execute(context.Background(), &transport.Failure{Status: 503}, nil)
	if result.Action != domain.ActionBusy || result.Success {
		t.Errorf("concurrent execution should return busy, got %+v", result)
	}
	close(blocking.release)
}

func TestChain_HistoryBounded(t *testing.T) {
	c := NewChain(Config{HistoryLimit: 100})
	c.Register(&ManualIntervention{})
	for i := 0; i < 150; i++ {
		c.Execute(context.Background(), &transport.Failure{Status: 500}, &OpContext{Attempts: 20})
	}
	if got := len(c.History()); got != 100 {
		t.Errorf("expected history capped at 100, got %d", got)
	}
	s := c.Stats()
	if s.Total != 100 || s.ByStrategy["manual_intervention"] != 100 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0, got %f", s.SuccessRate)
	}
}

// =============================================================================
// TokenRefresh Tests
// =============================================================================

func TestTokenRefresh_SuccessUpdatesTokensAndBroadcasts(t *testing.T) {
	auth := authstate.NewStore()
	auth.RestoreSession(activeSession("old-token"))
	auth.UpdateTokens("old-token", "refresh-1", time.Now().Add(time.Minute))

	expiry := time.Now().Add(time.Hour)
	endpoint := &mockEndpoint{pair: &domain.TokenPair{AccessToken: "new-token", RefreshToken: "refresh-2", ExpiresAt: expiry}}
	updater := &mockSessionUpdater{}
	s := &TokenRefresh{Auth: auth, Endpoint: endpoint, Sessions: updater}

	f := &transport.Failure{Status: http.StatusUnauthorized}
	opCtx := &OpContext{Operation: "load_orders"}
	if !s.Applies(f, opCtx) {
		t.Fatal("401 with refresh token should apply")
	}
	result := s.Execute(context.Background(), f, opCtx)
	if !result.Success || result.Action != domain.ActionRetry {
		t.Errorf("unexpected result: %+v", result)
	}
	if auth.Current().Token != "new-token" {
		t.Errorf("access token not updated, got %q", auth.Current().Token)
	}
	if auth.RefreshToken() != "refresh-2" {
		t.Errorf("refresh token not rotated, got %q", auth.RefreshToken())
	}
	if len(updater.patches) != 1 || *updater.patches[0].Token != "new-token" {
		t.Errorf("token update not broadcast: %+v", updater.patches)
	}
}

func TestTokenRefresh_FailureRedirects(t *testing.T) {
	auth := authstate.NewStore()
	auth.UpdateTokens("old", "refresh-1", time.Now().Add(time.Minute))
	endpoint := &mockEndpoint{err: errors.New("refresh token revoked")}
	s := &TokenRefresh{Auth: auth, Endpoint: endpoint}

	result := s.Execute(context.Background(), &transport.Failure{Status: 401}, &OpContext{})
	// The strategy succeeded: the deterministic next action is a redirect.
	if !result.Success || result.Action != domain.ActionRedirect {
		t.Errorf("expected successful redirect, got %+v", result)
	}
}

func TestTokenRefresh_NeverAppliesToRefreshItself(t *testing.T) {
	auth := authstate.NewStore()
	auth.UpdateTokens("t", "refresh-1", time.Now().Add(time.Minute))
	s := &TokenRefresh{Auth: auth, Endpoint: &mockEndpoint{}}

	if s.Applies(&transport.Failure{Status: 401}, &OpContext{Operation: "token_refresh"}) {
		t.Error("a failed refresh must not trigger another refresh")
	}
}

func TestTokenRefresh_RequiresRefreshToken(t *testing.T) {
	s := &TokenRefresh{Auth: authstate.NewStore(), Endpoint: &mockEndpoint{}}
	if s.Applies(&transport.Failure{Status: 401}, &OpContext{}) {
		t.Error("no refresh token, should not apply")
	}
}

// =============================================================================
// SessionRecovery Tests
// =============================================================================

func TestSessionRecovery_RestoresValidatedBackup(t *testing.T) {
	store := memory.NewStore()
	snapshot := activeSession("backup-token")
	data, _ := json.Marshal(snapshot)
	store.Set(context.Background(), session.KeySessionBackup, string(data))

	auth := authstate.NewStore()
	s := &SessionRecovery{Store: store, Auth: auth, Validator: &mockValidator{valid: true}}

	f := &transport.Failure{Status: 401}
	if !s.Applies(f, &OpContext{}) {
		t.Fatal("401 with backup present should apply")
	}
	result := s.Execute(context.Background(), f, &OpContext{})
	if !result.Success || result.Action != domain.ActionRetry {
		t.Errorf("unexpected result: %+v", result)
	}
	if auth.Current().Token != "backup-token" {
		t.Errorf("session not restored, token %q", auth.Current().Token)
	}
}

func TestSessionRecovery_RejectedBackupRedirects(t *testing.T) {
	store := memory.NewStore()
	data, _ := json.Marshal(activeSession("stale-token"))
	store.Set(context.Background(), session.KeySessionBackup, string(data))

	auth := authstate.NewStore()
	s := &SessionRecovery{Store: store, Auth: auth, Validator: &mockValidator{valid: false}}

	result := s.Execute(context.Background(), &transport.Failure{Status: 401}, &OpContext{})
	if result.Success || result.Action != domain.ActionRedirect {
		t.Errorf("rejected backup should redirect, got %+v", result)
	}
	if auth.Current().Token != "" {
		t.Error("rejected backup must not be restored")
	}
}

// =============================================================================
// OfflineMode Tests
// =============================================================================

func TestOfflineMode_CachedSessionServesFromCache(t *testing.T) {
	store := memory.NewStore()
	data, _ := json.Marshal(activeSession("cached"))
	store.Set(context.Background(), session.KeySessionData, string(data))

	s := &OfflineMode{Conn: &mockConn{online: false}, Store: store}
	f := &transport.Failure{Err: errors.New("dial tcp: no route")}
	if !s.Applies(f, &OpContext{Operation: "load_catalog"}) {
		t.Fatal("offline non-login should apply")
	}
	result := s.Execute(context.Background(), f, &OpContext{})
	if !result.Success || result.Action != domain.ActionCache {
		t.Errorf("expected cache action, got %+v", result)
	}
}

func TestOfflineMode_ExpiredSessionFailsOffline(t *testing.T) {
	store := memory.NewStore()
	expired := activeSession("cached")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	data, _ := json.Marshal(expired)
	store.Set(context.Background(), session.KeySessionData, string(data))

	s := &OfflineMode{Conn: &mockConn{online: false}, Store: store}
	result := s.Execute(context.Background(), &transport.Failure{}, &OpContext{})
	if result.Success || result.Action != domain.ActionOffline {
		t.Errorf("expected offline failure, got %+v", result)
	}
}

func TestOfflineMode_LoginNeverServedOffline(t *testing.T) {
	s := &OfflineMode{Conn: &mockConn{online: false}, Store: memory.NewStore()}
	if s.Applies(&transport.Failure{}, &OpContext{Operation: "login"}) {
		t.Error("login requires the server, offline mode must not apply")
	}
}

// =============================================================================
// ManualIntervention Tests
// =============================================================================

func TestManualIntervention_ForbiddenLogin(t *testing.T) {
	s := &ManualIntervention{}
	if !s.Applies(&transport.Failure{Status: 403}, &OpContext{Operation: "login"}) {
		t.Error("403 on login should apply")
	}
	if s.Applies(&transport.Failure{Status: 403}, &OpContext{Operation: "load_catalog"}) {
		t.Error("403 off login with few attempts should not apply")
	}
	result := s.Execute(context.Background(), &transport.Failure{Status: 403}, &OpContext{Operation: "login"})
	if result.Action != domain.ActionManual || result.Message == "" {
		t.Errorf("expected actionable manual result, got %+v", result)
	}
}

func TestManualIntervention_PersistentFailure(t *testing.T) {
	s := &ManualIntervention{}
	if !s.Applies(&transport.Failure{Status: 500}, &OpContext{Attempts: 10}) {
		t.Error("10 attempts should apply regardless of status")
	}
	if s.Applies(&transport.Failure{Status: 500}, &OpContext{Attempts: 9}) {
		t.Error("9 attempts should not apply")
	}
}
