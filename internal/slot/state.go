package slot

import "fmt"

// State is the lifecycle position of a slot.
type State int

const (
	Idle State = iota
	Launching
	AwaitingConnect
	AwaitingLoad
	PostLoadSetup
	Active
	Maintenance
	Retiring
)

var stateNames = [...]string{
	Idle:            "idle",
	Launching:       "launching",
	AwaitingConnect: "awaiting_connect",
	AwaitingLoad:    "awaiting_load",
	PostLoadSetup:   "post_load_setup",
	Active:          "active",
	Maintenance:     "maintenance",
	Retiring:        "retiring",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown slot state %q", string(b))
}

// Occupying reports whether a slot in this state is mid-transition and holds
// the loop's admission gate.
func (s State) Occupying() bool { return s != Idle && s != Active }

// States lists every state in lifecycle order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}
