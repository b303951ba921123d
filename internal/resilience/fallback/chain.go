// Package fallback applies ordered recovery strategies to failed
// authentication-related operations. Every 401/403 funnels through the
// chain and yields a deterministic next action instead of a raw error.
package fallback

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/transport"
	"github.com/gemdesk/resilience/internal/resilience/metrics"
)

// OpContext describes the failed operation a strategy may recover.
type OpContext struct {
	Operation string // logical operation name, e.g. "login", "token_refresh"
	Attempts  int    // how many times the operation has been tried
}

// IsLogin reports whether the failed operation is a login attempt.
func (c *OpContext) IsLogin() bool {
	return c != nil && c.Operation == "login"
}

// IsRefresh reports whether the failed operation is itself a token
// refresh, which must never trigger another refresh.
func (c *OpContext) IsRefresh() bool {
	return c != nil && c.Operation == "token_refresh"
}

// Strategy is one named, conditionally-applicable recovery procedure.
type Strategy interface {
	Name() string
	// Priority orders strategies; ascending values are tried first.
	Priority() int
	// Applies reports whether this strategy can handle the failure.
	Applies(f *transport.Failure, opCtx *OpContext) bool
	// Execute runs the recovery. The result's Success refers to the
	// strategy's own execution, not the recovered operation.
	Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult
}

// Config holds chain settings.
type Config struct {
	HistoryLimit int `yaml:"history_limit"`
}

// Chain evaluates registered strategies in priority order. Only one
// execution may be in flight; a concurrent caller gets a busy result.
type Chain struct {
	mu         sync.Mutex
	strategies []Strategy
	history    []domain.FallbackExecutionRecord
	limit      int

	execMu sync.Mutex
	inUse  bool
}

// NewChain creates an empty chain.
func NewChain(cfg Config) *Chain {
	limit := cfg.HistoryLimit
	if limit == 0 {
		limit = 100
	}
	return &Chain{limit: limit}
}

// Register adds strategies, keeping the set ordered by ascending priority.
func (c *Chain) Register(ss ...Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, ss...)
	sort.SliceStable(c.strategies, func(i, j int) bool {
		return c.strategies[i].Priority() < c.strategies[j].Priority()
	})
}

// Strategies returns the registered strategies in evaluation order.
func (c *Chain) Strategies() []Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Strategy, len(c.strategies))
	copy(out, c.strategies)
	return out
}

// Execute runs the first applicable strategy and records the execution.
func (c *Chain) Execute(ctx context.Context, f *transport.Failure, opCtx *OpContext) *domain.FallbackResult {
	c.execMu.Lock()
	if c.inUse {
		c.execMu.Unlock()
		return &domain.FallbackResult{
			Success: false,
			Action:  domain.ActionBusy,
			Message: "fallback execution already in flight",
		}
	}
	c.inUse = true
	c.execMu.Unlock()
	defer func() {
		c.execMu.Lock()
		c.inUse = false
		c.execMu.Unlock()
	}()

	if opCtx == nil {
		opCtx = &OpContext{}
	}

	for _, s := range c.Strategies() {
		if !s.Applies(f, opCtx) {
			continue
		}
		start := time.Now()
		result := s.Execute(ctx, f, opCtx)
		duration := time.Since(start)
		if result == nil {
			result = &domain.FallbackResult{Strategy: s.Name()}
		}
		result.Strategy = s.Name()

		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		metrics.FallbackExecutions.WithLabelValues(s.Name(), outcome).Inc()
		metrics.FallbackDuration.WithLabelValues(s.Name()).Observe(duration.Seconds())
		c.record(domain.FallbackExecutionRecord{
			Strategy:  s.Name(),
			Operation: opCtx.Operation,
			Action:    result.Action,
			Success:   result.Success,
			Duration:  duration,
			Timestamp: start,
		})
		slog.Info("Fallback strategy executed",
			"strategy", s.Name(), "operation", opCtx.Operation,
			"action", result.Action, "success", result.Success)
		return result
	}

	return &domain.FallbackResult{
		Success: false,
		Action:  domain.ActionManual,
		Message: "no applicable fallback strategy",
	}
}

func (c *Chain) record(r domain.FallbackExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, r)
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
}

// History returns a copy of the execution audit trail, oldest first.
func (c *Chain) History() []domain.FallbackExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.FallbackExecutionRecord, len(c.history))
	copy(out, c.history)
	return out
}

// ExecStats aggregates the execution history.
type ExecStats struct {
	Total        int            `json:"total"`
	SuccessRate  float64        `json:"success_rate"`
	ByStrategy   map[string]int `json:"by_strategy"`
	MeanDuration time.Duration  `json:"mean_duration"`
}

// Stats returns success rate, per-strategy counts, and mean duration.
func (c *Chain) Stats() ExecStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ExecStats{
		Total:      len(c.history),
		ByStrategy: make(map[string]int),
	}
	var successes int
	var total time.Duration
	for _, r := range c.history {
		s.ByStrategy[r.Strategy]++
		total += r.Duration
		if r.Success {
			successes++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(successes) / float64(s.Total)
		s.MeanDuration = total / time.Duration(s.Total)
	}
	return s
}
