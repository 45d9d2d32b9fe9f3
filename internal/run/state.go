// Package run holds the runtime model of one pipeline execution: the
// immutable trigger context, per-job state drawn from a forward-only
// lattice, and the append-only output/status store.
package run

// State is a job's position in the execution lattice. A job only ever
// advances; there are no transitions out of a terminal state.
type State string

const (
	StatePending   State = "pending"
	StateBlocked   State = "blocked"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// transitions is the legal edge set of the lattice. Skipped and Cancelled
// are reachable only from non-running pre-terminal states except that a
// Running job may be Cancelled; Failed is reachable from Ready for
// invocation errors (missing secret/input) as well as from Running.
var transitions = map[State][]State{
	StatePending: {StateBlocked, StateReady, StateSkipped, StateCancelled},
	StateBlocked: {StateReady, StateSkipped, StateCancelled},
	StateReady:   {StateRunning, StateSkipped, StateFailed, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
}

// CanTransition reports whether from → to is a legal lattice edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
