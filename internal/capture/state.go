package capture

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a state change is not allowed.
var ErrIllegalTransition = errors.New("capture: illegal state transition")

// State is the lifecycle state of a capture session.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateDraining
	StateClosed
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// transitions lists the allowed successors of every state.
// Error is reachable from any non-terminal state.
var transitions = map[State][]State{
	StateIdle:      {StateOpening, StateError},
	StateOpening:   {StateStreaming, StateDraining, StateError},
	StateStreaming: {StateDraining, StateError},
	StateDraining:  {StateClosed, StateError},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrIllegalTransition wrapped with both states.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
