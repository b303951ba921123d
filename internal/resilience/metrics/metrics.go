package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NetworkErrors counts classified transport failures by type
	NetworkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_network_errors_total",
			Help: "Total number of classified network errors",
		},
		[]string{"type"},
	)

	// RetryAttempts counts backoff retry attempts
	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_retry_attempts_total",
			Help: "Total number of retry attempts performed",
		},
	)

	// CacheCorruptions counts detected cache corruptions by type
	CacheCorruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_cache_corruptions_total",
			Help: "Total number of detected cache corruptions",
		},
		[]string{"type"},
	)

	// CacheRecoveries counts corruption recoveries by method
	CacheRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_cache_recoveries_total",
			Help: "Total number of cache recovery attempts",
		},
		[]string{"method", "outcome"},
	)

	// FallbackExecutions counts fallback strategy executions
	FallbackExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_fallback_executions_total",
			Help: "Total number of fallback strategy executions",
		},
		[]string{"strategy", "outcome"},
	)

	// FallbackDuration tracks fallback execution latency
	FallbackDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_fallback_duration_seconds",
			Help:    "Fallback strategy execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// SyncMessages counts cross-tab sync messages by type and direction
	SyncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_sync_messages_total",
			Help: "Total number of cross-tab sync messages",
		},
		[]string{"type", "direction"},
	)

	// SessionConflicts counts detected session conflicts by type
	SessionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_session_conflicts_total",
			Help: "Total number of detected session conflicts",
		},
		[]string{"type"},
	)

	// RecoveryOperations counts orchestrator recovery operations
	RecoveryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_recovery_operations_total",
			Help: "Total number of recovery operations",
		},
		[]string{"type", "status"},
	)

	// ActiveTabs tracks the current number of registered tabs
	ActiveTabs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_active_tabs",
			Help: "Number of currently registered tabs",
		},
	)

	// CacheHealth tracks the last health scan percentage
	CacheHealth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilience_cache_health_percentage",
			Help: "Healthy share of cache entries from the last scan",
		},
	)
)
