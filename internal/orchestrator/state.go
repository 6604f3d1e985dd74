package orchestrator

import "fmt"

// State is the lifecycle position of one broker.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateEnumerating
	StateDispatching
	StateAggregating
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateAuthenticating: "authenticating",
	StateEnumerating:    "enumerating",
	StateDispatching:    "dispatching",
	StateAggregating:    "aggregating",
	StateCompleted:      "completed",
	StateAborted:        "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}
