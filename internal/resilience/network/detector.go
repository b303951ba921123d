// Package network classifies transport failures, drives retry backoff, and
// holds the deferred queue drained when connectivity returns.
package network

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gemdesk/resilience/internal/core/domain"
	"github.com/gemdesk/resilience/internal/infra/transport"
	"github.com/gemdesk/resilience/internal/resilience/metrics"
)

// Connectivity is the platform online/offline signal the detector consults.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Config defines retry behavior.
type Config struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxJitter         time.Duration `yaml:"max_jitter"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	HistoryLimit      int           `yaml:"history_limit"`
}

// DefaultConfig provides sensible defaults: 1s, 2s, 4s... capped at 30s.
var DefaultConfig = Config{
	MaxRetries:        3,
	BaseDelay:         1 * time.Second,
	BackoffMultiplier: 2.0,
	MaxDelay:          30 * time.Second,
	MaxJitter:         1 * time.Second,
	RetryableStatuses: []int{429, 500, 502, 503, 504},
	HistoryLimit:      100,
}

// Operation is a unit of work the detector can retry or defer.
type Operation func(ctx context.Context) (any, error)

type deferredOp struct {
	id string
	op Operation
}

// Detector classifies failures and owns the retry and deferred-queue state.
type Detector struct {
	cfg       Config
	conn      Connectivity
	retryable map[int]bool
	rng       *rand.Rand
	unsub     func()

	mu      sync.Mutex
	history []domain.NetworkError
	queue   []deferredOp
}

// NewDetector creates a detector and subscribes to connectivity
// transitions so the deferred queue drains when the platform comes back
// online.
func NewDetector(cfg Config, conn Connectivity) *Detector {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = DefaultConfig.MaxJitter
	}
	if len(cfg.RetryableStatuses) == 0 {
		cfg.RetryableStatuses = DefaultConfig.RetryableStatuses
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}

	d := &Detector{
		cfg:       cfg,
		conn:      conn,
		retryable: make(map[int]bool, len(cfg.RetryableStatuses)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, s := range cfg.RetryableStatuses {
		d.retryable[s] = true
	}
	if conn != nil {
		d.unsub = conn.Subscribe(func(online bool) {
			if online {
				d.drain()
			}
		})
	}
	return d
}

// MaxRetries returns the configured retry cap.
func (d *Detector) MaxRetries() int {
	return d.cfg.MaxRetries
}

// Close removes the connectivity subscription.
func (d *Detector) Close() {
	if d.unsub != nil {
		d.unsub()
	}
}

// Classify assigns one of the four network error types to a failure and
// records it in the bounded history.
func (d *Detector) Classify(f *transport.Failure) *domain.NetworkError {
	ne := &domain.NetworkError{
		Message:   f.Error(),
		Timestamp: time.Now(),
	}
	switch {
	case !f.HasResponse() && d.conn != nil && !d.conn.Online():
		ne.Type = domain.NetworkOffline
	case f.Timeout:
		ne.Type = domain.NetworkTimeout
	case f.Status >= 500:
		ne.Type = domain.NetworkServerError
		ne.Status = f.Status
	default:
		ne.Type = domain.NetworkConnectionFailed
		ne.Status = f.Status
	}

	metrics.NetworkErrors.WithLabelValues(string(ne.Type)).Inc()
	d.record(*ne)
	return ne
}

func (d *Detector) record(ne domain.NetworkError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, ne)
	if len(d.history) > d.cfg.HistoryLimit {
		d.history = d.history[len(d.history)-d.cfg.HistoryLimit:]
	}
}

// ShouldRetry reports whether another attempt is worthwhile: never while
// offline, never past the retry cap, and for responses only when the
// status is in the retryable set.
func (d *Detector) ShouldRetry(ne *domain.NetworkError) bool {
	if ne.Type == domain.NetworkOffline {
		return false
	}
	if d.conn != nil && !d.conn.Online() {
		return false
	}
	if ne.RetryCount >= d.cfg.MaxRetries {
		return false
	}
	if ne.Status != 0 && !d.retryable[ne.Status] {
		return false
	}
	return true
}

// Delay computes the backoff before attempt retryCount: an exponential
// curve capped at MaxDelay, plus uniform jitter in [0, MaxJitter).
func (d *Detector) Delay(retryCount int) time.Duration {
	return d.delayFrom(d.cfg.BaseDelay, retryCount)
}

func (d *Detector) delayFrom(base time.Duration, retryCount int) time.Duration {
	delay := float64(base) * math.Pow(d.cfg.BackoffMultiplier, float64(retryCount))
	if delay > float64(d.cfg.MaxDelay) {
		delay = float64(d.cfg.MaxDelay)
	}
	d.mu.Lock()
	jitter := time.Duration(d.rng.Int63n(int64(d.cfg.MaxJitter)))
	d.mu.Unlock()
	return time.Duration(delay) + jitter
}

// Policy narrows the retry schedule for one invocation. Zero fields fall
// back to the detector's own configuration. The recovery orchestrator uses
// it to apply its runtime-mutable cap and base delay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// RetryWithBackoff re-invokes op with backoff, mutating ne.RetryCount. It
// fails immediately, without invoking op, when the count is already
// exhausted. Exhausting retries returns the original classified error.
func (d *Detector) RetryWithBackoff(ctx context.Context, op Operation, ne *domain.NetworkError) (any, error) {
	return d.RetryWithPolicy(ctx, op, ne, Policy{})
}

// RetryWithPolicy is RetryWithBackoff under a per-invocation policy.
func (d *Detector) RetryWithPolicy(ctx context.Context, op Operation, ne *domain.NetworkError, p Policy) (any, error) {
	maxRetries := d.cfg.MaxRetries
	if p.MaxRetries > 0 {
		maxRetries = p.MaxRetries
	}
	base := d.cfg.BaseDelay
	if p.BaseDelay > 0 {
		base = p.BaseDelay
	}

	if ne.RetryCount >= maxRetries {
		return nil, ne
	}

	for ne.RetryCount < maxRetries {
		delay := d.delayFrom(base, ne.RetryCount)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		ne.RetryCount++
		metrics.RetryAttempts.Inc()

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		slog.Debug("Retry attempt failed",
			"attempt", ne.RetryCount, "max", maxRetries, "error", err)
	}

	return nil, ne
}

// Enqueue defers an operation until connectivity returns. Re-enqueueing an
// existing id replaces the operation but keeps its queue position.
func (d *Detector) Enqueue(id string, op Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.queue {
		if d.queue[i].id == id {
			d.queue[i].op = op
			return
		}
	}
	d.queue = append(d.queue, deferredOp{id: id, op: op})
}

// Dequeue removes a deferred operation before it runs.
func (d *Detector) Dequeue(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.queue {
		if d.queue[i].id == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// QueueSize returns the number of deferred operations.
func (d *Detector) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// drain executes every deferred operation exactly once, in insertion
// order. Failures are logged, not re-queued; the operation had its chance.
func (d *Detector) drain() {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	slog.Info("Connectivity restored, draining deferred operations", "count", len(pending))
	ctx := context.Background()
	for _, item := range pending {
		if _, err := item.op(ctx); err != nil {
			slog.Warn("Deferred operation failed", "id", item.id, "error", err)
		}
	}
}

// Stats aggregates the bounded error history.
type Stats struct {
	Total          int                             `json:"total"`
	ByType         map[domain.NetworkErrorType]int `json:"by_type"`
	MeanRetryCount float64                         `json:"mean_retry_count"`
}

// GetStats returns aggregate counts per error type and the mean retry
// count across the recorded history.
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Total:  len(d.history),
		ByType: make(map[domain.NetworkErrorType]int),
	}
	var retries int
	for _, ne := range d.history {
		s.ByType[ne.Type]++
		retries += ne.RetryCount
	}
	if s.Total > 0 {
		s.MeanRetryCount = float64(retries) / float64(s.Total)
	}
	return s
}

// History returns a copy of the bounded error history, oldest first.
func (d *Detector) History() []domain.NetworkError {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.NetworkError, len(d.history))
	copy(out, d.history)
	return out
}
