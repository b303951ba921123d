package domain

import "time"

// NetworkErrorType classifies a transport failure.
type NetworkErrorType string

const (
	NetworkTimeout          NetworkErrorType = "timeout"
	NetworkOffline          NetworkErrorType = "offline"
	NetworkServerError      NetworkErrorType = "server_error"
	NetworkConnectionFailed NetworkErrorType = "connection_failed"
)

// NetworkError is one classified transport failure. RetryCount is owned by
// the detector's retry loop and capped at the configured maximum.
type NetworkError struct {
	Type       NetworkErrorType `json:"type"`
	Message    string           `json:"message"`
	Status     int              `json:"status,omitempty"` // HTTP status, 0 when no response was received
	Timestamp  time.Time        `json:"timestamp"`
	RetryCount int              `json:"retry_count"`
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return string(e.Type) + ": " + e.Message
}
