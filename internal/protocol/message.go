package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionEvent      = "session.event"
	TypeSessionStatus     = "session.status"
	TypeSessionTerminated = "session.terminated"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionStart         = "session.start"
	TypeSessionSubscribe     = "session.subscribe"
	TypeSessionUnsubscribe   = "session.unsubscribe"
	TypeSessionRequestStatus = "session.requestStatus"
	TypeSessionTerminate     = "session.terminate"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrValidation      = "VALIDATION_FAILED"
	ErrSetupFailed     = "SETUP_FAILED"
	ErrTerminateFailed = "TERMINATE_FAILED"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Auth           string `json:"auth"`
	QRPending      bool   `json:"qrPending"`
	Disconnected   bool   `json:"disconnected"`
	CreatedAt      string `json:"createdAt"`
	LastActivityAt string `json:"lastActivityAt"`
}

type SessionEventPayload struct {
	SessionID string `json:"sessionId"`
	DataType  string `json:"dataType"`
	Data      string `json:"data,omitempty"`
	At        string `json:"at"`
}

type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	State     string `json:"state"`
	Message   string `json:"message"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionStartPayload struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Provider  string `json:"provider,omitempty"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
