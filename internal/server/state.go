package server

import "fmt"

// State is the dev server lifecycle state.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateServing
	StateRebuilding
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateServing:
		return "serving"
	case StateRebuilding:
		return "rebuilding"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}

	return fmt.Errorf("unknown state %q", text)
}

// building reports whether s is one of the build states.
func (s State) building() bool {
	return s == StateBuilding || s == StateRebuilding
}

// validTransition reports whether the lifecycle allows moving from one state
// to another.
func validTransition(from, to State) bool {
	switch to {
	case StateBuilding:
		return from == StateIdle
	case StateServing:
		return from.building() || from == StateFailed
	case StateRebuilding:
		return from == StateServing || from == StateFailed
	case StateFailed:
		return from.building()
	default:
		return false
	}
}
