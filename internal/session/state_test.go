package session

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreating, StateQRPending, true},
		{StateCreating, StateAuthenticated, true},
		{StateQRPending, StateQRPending, true},
		{StateQRPending, StateAuthenticated, true},
		{StateAuthenticated, StateReady, true},
		{StateReady, StateTerminated, true},
		{StateCreating, StateFailed, true},
		{StateAuthenticated, StateQRPending, false},
		{StateReady, StateAuthenticated, false},
		{StateReady, StateReady, false},
		{StateTerminated, StateReady, false},
		{StateFailed, StateTerminated, false},
		{StateTerminated, StateTerminated, false},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestState_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(StateQRPending)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"qr_pending"` {
		t.Errorf("expected \"qr_pending\", got %s", data)
	}
	if State(42).String() != "State(42)" {
		t.Errorf("unexpected name for unknown state: %s", State(42))
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &Session{id: "a"}
	b := &Session{id: "b"}

	if err := r.Put("a", a); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := r.Put("a", b); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got, _ := r.Get("a"); got != a {
		t.Error("duplicate Put replaced the session")
	}

	if err := r.PutWithin("b", b, 1); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if err := r.PutWithin("b", b, 2); err != nil {
		t.Fatalf("PutWithin failed: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].id != "a" || snap[1].id != "b" {
		t.Errorf("unexpected snapshot %v", snap)
	}

	if r.RemoveIf("a", b) {
		t.Error("RemoveIf removed a different session")
	}
	if !r.RemoveIf("a", a) {
		t.Error("RemoveIf did not remove the matching session")
	}

	r.Remove("b")
	r.Remove("b")
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestIsValidation(t *testing.T) {
	if !IsValidation(ErrInvalidSessionID) || !IsValidation(ErrLimitReached) {
		t.Error("expected validation errors to be classified")
	}
	if IsValidation(ErrNotFound) || IsValidation(errors.New("boom")) {
		t.Error("unexpected validation classification")
	}
}
