package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	payload := SessionUpdatePayload{
		ID:    "abc",
		State: "qr_pending",
		Auth:  "local",
	}

	msg, err := NewMessage(TypeSessionUpdate, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeSessionUpdate {
		t.Errorf("expected type %s, got %s", TypeSessionUpdate, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p SessionUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ID != "abc" || p.State != "qr_pending" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func clientMessage(msgType string, payload map[string]interface{}) []byte {
	msg := map[string]interface{}{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		msg["payload"] = payload
	}
	data, _ := json.Marshal(msg)
	return data
}

func TestValidateClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr bool
	}{
		{"start local", clientMessage(TypeSessionStart, map[string]interface{}{"sessionId": "abc", "type": "local"}), false},
		{"start remote", clientMessage(TypeSessionStart, map[string]interface{}{"sessionId": "abc", "type": "remote", "provider": "s3"}), false},
		{"start missing type", clientMessage(TypeSessionStart, map[string]interface{}{"sessionId": "abc"}), true},
		{"start missing id", clientMessage(TypeSessionStart, map[string]interface{}{"type": "local"}), true},
		{"subscribe", clientMessage(TypeSessionSubscribe, map[string]interface{}{"sessionId": "abc"}), false},
		{"unsubscribe", clientMessage(TypeSessionUnsubscribe, map[string]interface{}{"sessionId": "abc"}), false},
		{"status", clientMessage(TypeSessionRequestStatus, map[string]interface{}{"sessionId": "abc"}), false},
		{"terminate", clientMessage(TypeSessionTerminate, map[string]interface{}{"sessionId": "abc"}), false},
		{"terminate missing id", clientMessage(TypeSessionTerminate, map[string]interface{}{}), true},
		{"unknown type", clientMessage("unknown.action", map[string]interface{}{}), true},
		{"server type", clientMessage(TypeSessionUpdate, map[string]interface{}{"sessionId": "abc"}), true},
		{"missing type", clientMessage("", map[string]interface{}{}), true},
		{"missing payload", []byte(`{"type":"session.subscribe","timestamp":"2024-01-01T00:00:00.000Z"}`), true},
		{"payload wrong shape", []byte(`{"type":"session.subscribe","payload":"abc"}`), true},
		{"invalid json", []byte("not json"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected valid message, got error: %v", err)
			}
			if msg.Type == "" {
				t.Error("expected parsed type")
			}
		})
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrSessionNotFound, "session xyz not found")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrSessionNotFound, p.Code)
	}
}
