package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions maps from-state to allowed to-states.
// RUNNING -> RUNNING is a lease re-claim after the previous holder's lease expired.
// PENDING -> FAILURE covers jobs rejected before any worker saw them.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailure: true,
	},
	StatusRunning: {
		StatusRunning: true,
		StatusSuccess: true,
		StatusFailure: true,
	},
	StatusSuccess: {},
	StatusFailure: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if _, known := validTransitions[to]; !known {
		return fmt.Errorf("unknown target state: %s", to)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal returns true if no further transitions are allowed from state
func IsTerminal(state JobStatus) bool {
	return state == StatusSuccess || state == StatusFailure
}
