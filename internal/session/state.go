package session

import "fmt"

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StatePaused
	StateStopping
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Live reports whether a remote session exists in this state.
func (s State) Live() bool {
	return s == StateActive || s == StatePaused
}

// transitions lists the allowed successor states. No state may be skipped: a
// failed connect still passes through Stopping and Terminated.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateActive, StateStopping},
	StateActive:     {StatePaused, StateStopping},
	StatePaused:     {StateActive, StateStopping},
	StateStopping:   {StateTerminated},
	StateTerminated: {StateIdle},
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
