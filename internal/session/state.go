package session

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a session.
type State int

const (
	StateCreating State = iota
	StateQRPending
	StateAuthenticated
	StateReady
	StateTerminated
	StateFailed
)

var stateNames = map[State]string{
	StateCreating:      "creating",
	StateQRPending:     "qr_pending",
	StateAuthenticated: "authenticated",
	StateReady:         "ready",
	StateTerminated:    "terminated",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// canTransition reports whether from → to is a legal move. Progress only goes
// forward along creating → qr_pending → authenticated → ready (steps may be
// skipped), a pending QR may be replaced by a fresh one, and any live state may
// end in terminated or failed.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	if from == StateQRPending && to == StateQRPending {
		return true
	}
	return to > from
}
