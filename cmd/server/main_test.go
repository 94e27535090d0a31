package main

import (
	"testing"

	"wweb-gateway/internal/config"
	"wweb-gateway/internal/credstore"
	"wweb-gateway/internal/session"
)

func TestWebhookPayload(t *testing.T) {
	tests := []struct {
		dataType string
		data     string
		wantKey  string
		deliver  bool
	}{
		{"qr", "2@abc", "qr", true},
		{"auth_failure", "bad creds", "msg", true},
		{"change_state", "CONFLICT", "state", true},
		{"disconnected", "NAVIGATION", "reason", true},
		{"message", "hello", "message", true},
		{"ready", "", "", true},
		{"authenticated", "", "", true},
		{session.EventRemoteSaved, "", "", true},
		{session.EventState, "ready", "", false},
		{"page", "page-1", "", false},
		{session.EventCredentialsRemoved, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.dataType, func(t *testing.T) {
			p, ok := webhookPayload(session.Event{SessionID: "abc", Type: tt.dataType, Data: tt.data})
			if ok != tt.deliver {
				t.Fatalf("deliver = %v, want %v", ok, tt.deliver)
			}
			if !ok {
				return
			}
			if p.SessionID != "abc" || p.DataType != tt.dataType {
				t.Errorf("unexpected payload %+v", p)
			}
			data, _ := p.Data.(map[string]string)
			if data == nil {
				t.Fatalf("expected object data, got %T", p.Data)
			}
			if tt.wantKey != "" && data[tt.wantKey] != tt.data {
				t.Errorf("data[%s] = %q, want %q", tt.wantKey, data[tt.wantKey], tt.data)
			}
		})
	}
}

func TestNewAuthBuilder(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Path = t.TempDir()
	cfg.Remote.Providers = map[string]credstore.ProviderConfig{
		"mem": {Kind: "memory"},
	}

	b, err := newAuthBuilder(cfg, nil)
	if err != nil {
		t.Fatalf("newAuthBuilder failed: %v", err)
	}
	if got := b.Providers(); len(got) != 1 || got[0] != "mem" {
		t.Errorf("unexpected providers %v", got)
	}

	cfg.Remote.Recipients = []string{"not-a-key"}
	if _, err := newAuthBuilder(cfg, nil); err == nil {
		t.Error("expected error for invalid recipient")
	}
}
