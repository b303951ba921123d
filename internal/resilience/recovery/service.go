// Package recovery is the single entry point of the resilience layer:
// every error the application reports lands here, gets classified, and is
// delegated to the matching subsystem.
package recovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/transport"
	"github.com/gemdesk/resilience/internal/resilience/cache"
	"github.com/gemdesk/resilience/internal/resilience/conflict"
	"github.com/gemdesk/resilience/internal/resilience/fallback"
	"github.com/gemdesk/resilience/internal/resilience/metrics"
	"github.com/gemdesk/resilience/internal/resilience/network"
	"github.com/gemdesk/resilience/internal/resilience/session"
)

// ErrorType is the orchestrator's top-level classification.
type ErrorType string

const (
	ErrorNetwork ErrorType = "network"
	ErrorAuth    ErrorType = "auth"
	ErrorCache   ErrorType = "cache"
	ErrorSession ErrorType = "session"
)

// OperationStatus is the lifecycle state of one recovery operation.
type OperationStatus string

const (
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Operation records one recovery attempt end to end.
type Operation struct {
	ID         string          `json:"id"`
	Type       ErrorType       `json:"type"`
	Status     OperationStatus `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	Duration   time.Duration   `json:"duration"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

// Context carries optional hints and collaborator data for one recovery.
type Context struct {
	// Type, when set, overrides error-shape classification.
	Type ErrorType
	// Operation is the logical name of the failed operation.
	Operation string
	// Attempts is how many times the operation has already been tried.
	Attempts int
	// Retry, when set, is re-invoked by the network recovery path.
	Retry network.Operation
	// CacheKey, when set, points the cache path at one entry instead of a
	// full scan.
	CacheKey string
	// Incoming, when set, is the diverging session for the session path.
	Incoming *domain.SessionData
}

// Config holds orchestrator settings, mutable at runtime; changes take
// effect on the next Recover call. MaxRetries and RetryDelay govern the
// network recovery path's retry schedule, overriding the detector's own
// cap and base delay.
type Config struct {
	AutoRecovery bool          `yaml:"auto_recovery"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	HistoryLimit int           `yaml:"history_limit"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	AutoRecovery: true,
	MaxRetries:   3,
	RetryDelay:   1 * time.Second,
	HistoryLimit: 100,
}

// Service orchestrates the resilience subsystems.
type Service struct {
	network   *network.Detector
	cache     *cache.Detector
	chain     *fallback.Chain
	conflicts *conflict.Resolver
	sessions  *session.Manager
	conn      network.Connectivity
	mode      *fallback.DegradedMode

	mu      sync.Mutex
	cfg     Config
	history []Operation
}

// NewService wires the orchestrator over the five subsystems.
func NewService(
	cfg Config,
	netDetector *network.Detector,
	cacheDetector *cache.Detector,
	chain *fallback.Chain,
	conflicts *conflict.Resolver,
	sessions *session.Manager,
	conn network.Connectivity,
	mode *fallback.DegradedMode,
) *Service {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}
	return &Service{
		network:   netDetector,
		cache:     cacheDetector,
		chain:     chain,
		conflicts: conflicts,
		sessions:  sessions,
		conn:      conn,
		mode:      mode,
		cfg:       cfg,
	}
}

// Configure replaces the runtime configuration.
func (s *Service) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = s.cfg.HistoryLimit
	}
	s.cfg = cfg
}

// Recover classifies err, runs the matching recovery path, and records the
// outcome.
func (s *Service) Recover(ctx context.Context, err error, rctx *Context) *Operation {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if rctx == nil {
		rctx = &Context{}
	}
	op := &Operation{
		ID:         uuid.NewString(),
		Type:       s.classify(err, rctx),
		StartTime:  time.Now(),
		RetryCount: rctx.Attempts,
		MaxRetries: cfg.MaxRetries,
	}

	if !cfg.AutoRecovery {
		op.Status = StatusFailed
		op.Error = "auto-recovery disabled"
		s.record(*op)
		return op
	}

	switch op.Type {
	case ErrorNetwork:
		s.recoverNetwork(ctx, err, rctx, op, cfg)
	case ErrorAuth:
		s.recoverAuth(ctx, err, rctx, op)
	case ErrorCache:
		s.recoverCache(ctx, rctx, op)
	case ErrorSession:
		s.recoverSession(rctx, op)
	}

	op.Duration = time.Since(op.StartTime)
	metrics.RecoveryOperations.WithLabelValues(string(op.Type), string(op.Status)).Inc()
	s.record(*op)
	return op
}

// classify picks the recovery path: an explicit hint wins, then the
// auth-failure shape, then cache-exception shapes, then session-conflict
// shapes, and everything else goes to the network detector.
func (s *Service) classify(err error, rctx *Context) ErrorType {
	if rctx.Type != "" {
		return rctx.Type
	}
	f := transport.Describe(err)
	if f != nil && (f.Status == 401 || f.Status == 403) {
		return ErrorAuth
	}
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	if strings.Contains(msg, "quota") || strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "parse") || strings.Contains(msg, "corrupt") {
		return ErrorCache
	}
	if rctx.Incoming != nil || strings.Contains(msg, "session conflict") {
		return ErrorSession
	}
	return ErrorNetwork
}

func (s *Service) recoverNetwork(ctx context.Context, err error, rctx *Context, op *Operation, cfg Config) {
	f := transport.Describe(err)
	ne := s.network.Classify(f)
	ne.RetryCount = rctx.Attempts

	if rctx.Retry == nil {
		// Nothing to re-run; the classification itself is the outcome and
		// the caller decides what to do with it.
		op.Status = StatusCompleted
		op.Result = ne
		return
	}
	if !s.network.ShouldRetry(ne) || ne.RetryCount >= cfg.MaxRetries {
		op.Status = StatusFailed
		op.Error = ne.Error()
		return
	}

	result, retryErr := s.network.RetryWithPolicy(ctx, rctx.Retry, ne, network.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
	})
	op.RetryCount = ne.RetryCount
	if retryErr != nil {
		op.Status = StatusFailed
		op.Error = retryErr.Error()
		return
	}
	op.Status = StatusCompleted
	op.Result = result
}

func (s *Service) recoverAuth(ctx context.Context, err error, rctx *Context, op *Operation) {
	f := transport.Describe(err)
	result := s.chain.Execute(ctx, f, &fallback.OpContext{
		Operation: rctx.Operation,
		Attempts:  rctx.Attempts,
	})
	op.Result = result
	if result.Success {
		op.Status = StatusCompleted
	} else {
		op.Status = StatusFailed
		op.Error = result.Message
	}
}

func (s *Service) recoverCache(ctx context.Context, rctx *Context, op *Operation) {
	if rctx.CacheKey != "" {
		corrupted, err := s.cache.Validate(ctx, rctx.CacheKey)
		if err != nil {
			op.Status = StatusFailed
			op.Error = err.Error()
			return
		}
		// Corruption is handled locally, repaired or deleted; either way
		// the recovery completed.
		op.Status = StatusCompleted
		op.Result = map[string]any{"corrupted": corrupted}
		return
	}
	report, err := s.cache.PerformHealthScan(ctx)
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
		return
	}
	op.Status = StatusCompleted
	op.Result = report
}

func (s *Service) recoverSession(rctx *Context, op *Operation) {
	if rctx.Incoming == nil {
		op.Status = StatusFailed
		op.Error = "no incoming session to reconcile"
		return
	}
	c := s.conflicts.Detect(s.sessions.Session(), rctx.Incoming)
	op.Status = StatusCompleted
	op.Result = c
}

func (s *Service) record(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, op)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
}

// History returns a copy of the operation history, oldest first.
func (s *Service) History() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.history))
	copy(out, s.history)
	return out
}
