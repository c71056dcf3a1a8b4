package session

import (
	"pkt.systems/waitroom/api"
)

// Phase is the controller's position in the queue state machine.
type Phase int

const (
	// PhaseIdle means no attempt is in progress.
	PhaseIdle Phase = iota
	// PhaseInitializing covers the requirement check and token issuance.
	PhaseInitializing
	// PhaseDirectlyAdmitted means capacity was free and no token was issued.
	PhaseDirectlyAdmitted
	// PhaseWaiting means the token is in line and being polled.
	PhaseWaiting
	// PhaseActive means the token admits the visitor; hand-off is pending.
	PhaseActive
	// PhaseHandedOff means the booking flow has taken over.
	PhaseHandedOff
	// PhaseExpired means the token or booking window elapsed.
	PhaseExpired
	// PhaseCancelled means the token was cancelled, used elsewhere, or left.
	PhaseCancelled
	// PhaseError means initialization or the heartbeat failed. Retry restarts.
	PhaseError
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhaseInitializing:     "initializing",
	PhaseDirectlyAdmitted: "directly_admitted",
	PhaseWaiting:          "waiting",
	PhaseActive:           "active",
	PhaseHandedOff:        "handed_off",
	PhaseExpired:          "expired",
	PhaseCancelled:        "cancelled",
	PhaseError:            "error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Settled reports whether the attempt has reached an end state.
func (p Phase) Settled() bool {
	switch p {
	case PhaseDirectlyAdmitted, PhaseHandedOff, PhaseExpired, PhaseCancelled, PhaseError:
		return true
	}
	return false
}

// State is a snapshot of the controller-local session view.
type State struct {
	Phase Phase
	// PerformanceID and ScheduleID identify the current attempt.
	PerformanceID string
	ScheduleID    string
	// Token is the current admission token, nil when none is held.
	Token *api.Token
	// ActiveForBooking mirrors the token's admission to the booking flow.
	ActiveForBooking bool
	// ActiveSession drives the heartbeat and lifecycle guard.
	ActiveSession bool
	// Err is the surfaced error while in PhaseError.
	Err error
	// Initializing is true while the requirement check or issuance runs.
	Initializing bool

	rev uint64
}

func (s State) clone() State {
	if s.Token != nil {
		tok := *s.Token
		s.Token = &tok
	}
	return s
}
