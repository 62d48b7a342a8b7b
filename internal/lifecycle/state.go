// Package lifecycle runs the per-container state machine. Each container
// is an actor: console commands and process exits arrive as messages on a
// single inbox, so only one transition is ever in flight per container,
// while different containers proceed independently.
package lifecycle

// State is a container's lifecycle state.
type State string

const (
	// StateInstalled is an indexed, unmounted package reference; the
	// initial state of a start request.
	StateInstalled State = "installed"

	// StateMounted means the verified image is mounted.
	StateMounted State = "mounted"

	// StateStarting covers cgroup setup through the exec gate release.
	StateStarting State = "starting"

	// StateRunning means the entrypoint is executing inside its limits.
	StateRunning State = "running"

	// StateStopping means termination is in progress.
	StateStopping State = "stopping"

	// StateStopped is terminal: the instance ran and was fully torn down.
	StateStopped State = "stopped"

	// StateFailed is terminal: a transition failed and the instance was
	// fully torn down.
	StateFailed State = "failed"
)

// Terminal reports whether the state ends the container instance. A later
// start creates a new instance.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the forward edge set of the state machine. Failed is
// reachable from every non-terminal state and is not listed per state.
var validTransitions = map[State][]State{
	StateInstalled: {StateMounted, StateStopped},
	StateMounted:   {StateStarting, StateStopped},
	StateStarting:  {StateRunning, StateStopping, StateStopped},
	StateRunning:   {StateStopping},
	StateStopping:  {StateStopped},
}

// CanTransition reports whether s -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	if to == StateFailed {
		return !s.Terminal()
	}
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
