package lifecycle

// State tracks a managed container through its life. The happy path is a
// linear chain; Error is a sink reachable from every state except the
// terminal Removed.
type State string

const (
	StateCreating State = "creating"
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateRemoving State = "removing"
	StateRemoved  State = "removed"
	StateError    State = "error"
)

// containerTransitions is the allowed edge set. Running to Stopped covers
// containers that exit on their own; Starting to Stopping covers teardown of
// a container that never came up; Created to Removing covers cleanup of a
// container that was never started.
var containerTransitions = map[State][]State{
	StateCreating: {StateCreated},
	StateCreated:  {StateStarting, StateRemoving},
	StateStarting: {StateRunning, StateStopping},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped},
	StateStopped:  {StateRemoving},
	StateRemoving: {StateRemoved},
	StateError:    {StateRemoving, StateRemoved},
}

// ValidTransition reports whether from → to is an allowed edge.
func ValidTransition(from, to State) bool {
	if to == StateError {
		return from != StateRemoved
	}
	for _, next := range containerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the container can make no further progress.
func Terminal(s State) bool { return s == StateRemoved }

// stateFromEngine maps the engine's reported container state onto ours,
// used when adopting containers at startup.
func stateFromEngine(s string) State {
	switch s {
	case "created":
		return StateCreated
	case "running", "paused", "restarting":
		return StateRunning
	case "removing":
		return StateRemoving
	case "exited", "dead":
		return StateStopped
	default:
		return StateError
	}
}
