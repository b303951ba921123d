package domain

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the cross-tab sync message kinds.
type MessageType string

const (
	MessageSessionUpdate MessageType = "session_update"
	MessageLogout        MessageType = "logout"
	MessageTabRegister   MessageType = "tab_register"
	MessageTabUnregister MessageType = "tab_unregister"
)

// SyncMessage is the unit of cross-tab communication. It exists only in
// transit on the broadcast bus or in the storage-event fallback log.
type SyncMessage struct {
	Type      MessageType     `json:"type"`
	TabID     string          `json:"tab_id"` // originating tab
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EncodePayload marshals v into the message payload.
func (m *SyncMessage) EncodePayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Payload = data
	return nil
}

// DecodePayload unmarshals the message payload into v.
func (m *SyncMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
