// Package health provides aggregated status reporting for the resilience
// subsystems.
package health

// SystemStatus represents the overall health state of the system or a
// component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// NetworkHealth summarizes the network error detector's view.
type NetworkHealth struct {
	Online         bool         `json:"online"`
	Status         SystemStatus `json:"status"`
	ErrorsRecorded int          `json:"errors_recorded"`
	MeanRetryCount float64      `json:"mean_retry_count"`
	DeferredOps    int          `json:"deferred_ops"`
}

// CacheHealth summarizes the last corruption scan.
type CacheHealth struct {
	Status           SystemStatus `json:"status"`
	TotalEntries     int          `json:"total_entries"`
	CorruptedEntries int          `json:"corrupted_entries"`
	HealthPercentage float64      `json:"health_percentage"`
}

// SessionHealth summarizes tab registry and conflict state.
type SessionHealth struct {
	Status        SystemStatus `json:"status"`
	ActiveTabs    int          `json:"active_tabs"`
	OpenConflicts int          `json:"open_conflicts"`
	SessionActive bool         `json:"session_active"`
	DegradedMode  bool         `json:"degraded_mode"`
}

// FallbackHealth summarizes the strategy chain's execution history.
type FallbackHealth struct {
	Status      SystemStatus `json:"status"`
	Executions  int          `json:"executions"`
	SuccessRate float64      `json:"success_rate"`
}

// Report is the full aggregated health report.
type Report struct {
	SystemStatus SystemStatus   `json:"system_status"`
	Network      NetworkHealth  `json:"network"`
	Cache        CacheHealth    `json:"cache"`
	Session      SessionHealth  `json:"session"`
	Fallback     FallbackHealth `json:"fallback"`
}
