package task

// State is a task's position in the lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// transitions lists the legal successor states. States absent from the map
// are terminal.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:  {StateRunning, StateCancelled},
}

// IsTerminal reports whether no transitions leave s.
func (s State) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStates returns every state in lifecycle order.
func AllStates() []State {
	return []State{StatePending, StateRunning, StatePaused, StateCompleted, StateFailed, StateCancelled}
}
