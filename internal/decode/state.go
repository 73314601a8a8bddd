package decode

import "fmt"

// State is the lifecycle stage of a Session.
type State uint8

const (
	// Uninitialized sessions have not run a step.
	Uninitialized State = iota
	// WarmCompiling sessions are still compiling programs on some steps.
	WarmCompiling
	// SteadyState sessions completed a step without a program cache miss.
	SteadyState
	// Terminated sessions were closed.
	Terminated
	// Failed sessions hit a fatal error and reject further calls.
	Failed
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	WarmCompiling: "warm_compiling",
	SteadyState:   "steady_state",
	Terminated:    "terminated",
	Failed:        "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}
