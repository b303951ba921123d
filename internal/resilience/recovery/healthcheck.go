package recovery

import (
	"context"

	"github.com/gemdesk/resilience/internal/resilience/health"
)

// Thresholds for the aggregate verdict. Critical means a hard failure
// state somewhere; degraded means a threshold is breached.
const (
	cacheCriticalBelow   = 50.0
	cacheDegradedBelow   = 90.0
	fallbackDegradedRate = 0.5
	conflictsDegradedAt  = 1
	conflictsCriticalAt  = 5
)

// PerformHealthCheck aggregates subsystem states into one report.
func (s *Service) PerformHealthCheck(ctx context.Context) health.Report {
	report := health.Report{SystemStatus: health.StatusHealthy}

	// Network
	netStats := s.network.GetStats()
	online := s.conn == nil || s.conn.Online()
	report.Network = health.NetworkHealth{
		Online:         online,
		Status:         health.StatusHealthy,
		ErrorsRecorded: netStats.Total,
		MeanRetryCount: netStats.MeanRetryCount,
		DeferredOps:    s.network.QueueSize(),
	}
	if !online {
		report.Network.Status = health.StatusCritical
	}

	// Cache
	scan, scanned := s.cache.LastScan()
	if !scanned {
		scan, _ = s.cache.PerformHealthScan(ctx)
	}
	report.Cache = health.CacheHealth{
		Status:           health.StatusHealthy,
		TotalEntries:     scan.TotalEntries,
		CorruptedEntries: scan.CorruptedEntries,
		HealthPercentage: scan.HealthPercentage,
	}
	switch {
	case scan.HealthPercentage < cacheCriticalBelow:
		report.Cache.Status = health.StatusCritical
	case scan.HealthPercentage < cacheDegradedBelow:
		report.Cache.Status = health.StatusDegraded
	}

	// Session
	tabs, _ := s.sessions.ActiveTabs(ctx)
	open := s.conflicts.Unresolved()
	report.Session = health.SessionHealth{
		Status:        health.StatusHealthy,
		ActiveTabs:    len(tabs),
		OpenConflicts: open,
		SessionActive: s.sessions.Session().Authenticated(),
		DegradedMode:  s.mode.Limited(),
	}
	switch {
	case open >= conflictsCriticalAt:
		report.Session.Status = health.StatusCritical
	case open >= conflictsDegradedAt || s.mode.Limited():
		report.Session.Status = health.StatusDegraded
	}

	// Fallback
	fbStats := s.chain.Stats()
	report.Fallback = health.FallbackHealth{
		Status:      health.StatusHealthy,
		Executions:  fbStats.Total,
		SuccessRate: fbStats.SuccessRate,
	}
	if fbStats.Total > 0 && fbStats.SuccessRate < fallbackDegradedRate {
		report.Fallback.Status = health.StatusDegraded
	}

	// Worst subsystem wins.
	for _, st := range []health.SystemStatus{
		report.Network.Status, report.Cache.Status,
		report.Session.Status, report.Fallback.Status,
	} {
		if st == health.StatusCritical {
			report.SystemStatus = health.StatusCritical
			break
		}
		if st == health.StatusDegraded && report.SystemStatus == health.StatusHealthy {
			report.SystemStatus = health.StatusDegraded
		}
	}
	return report
}
