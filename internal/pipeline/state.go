package pipeline

import "github.com/ligmir/ligship/internal/errs"

// A pipeline run state.
type State string

const (
	StateCheckout     State = "checkout"
	StateAuthenticate State = "authenticate"
	StateBuild        State = "build"
	StateTag          State = "tag"
	StatePushSHA      State = "push-sha"
	StatePushLatest   State = "push-latest"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Successor of each non-terminal state on the success path.
var next = map[State]State{
	StateCheckout:     StateAuthenticate,
	StateAuthenticate: StateBuild,
	StateBuild:        StateTag,
	StateTag:          StatePushSHA,
	StatePushSHA:      StatePushLatest,
	StatePushLatest:   StateDone,
}

// Returns true if no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Returns the states of a successful run, in order.
func States() []State {
	return []State{
		StateCheckout,
		StateAuthenticate,
		StateBuild,
		StateTag,
		StatePushSHA,
		StatePushLatest,
		StateDone,
	}
}

// Validates a transition.
//
// Allowed transitions are the success-path successor, failed from any
// non-terminal state, and tag to done when the run does not push.
func Transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return errs.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if _, ok := next[from]; !ok {
		return false
	}
	switch {
	case to == StateFailed:
		return true
	case from == StateTag && to == StateDone:
		return true
	default:
		return next[from] == to
	}
}
