package domain

import "time"

// FallbackAction is the next step a fallback strategy instructs the caller
// to take.
type FallbackAction string

const (
	ActionRetry    FallbackAction = "retry"
	ActionRedirect FallbackAction = "redirect"
	ActionCache    FallbackAction = "cache"
	ActionOffline  FallbackAction = "offline"
	ActionManual   FallbackAction = "manual"
	ActionBusy     FallbackAction = "busy"
)

// FallbackResult is the outcome of executing one strategy. Success refers
// to the strategy's own execution, not to the recovered operation: a token
// refresh that ends in a redirect to re-authentication still succeeded as
// a strategy.
type FallbackResult struct {
	Success          bool           `json:"success"`
	Strategy         string         `json:"strategy"`
	Action           FallbackAction `json:"action"`
	Message          string         `json:"message,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	NextAttemptDelay time.Duration  `json:"next_attempt_delay,omitempty"`
}

// FallbackExecutionRecord is one entry of the chain's append-only audit
// trail.
type FallbackExecutionRecord struct {
	Strategy  string         `json:"strategy"`
	Operation string         `json:"operation"`
	Action    FallbackAction `json:"action"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}
