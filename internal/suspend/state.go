package suspend

import (
	"fmt"

	"github.com/somnus/sleepd/internal/errors"
)

// State identifies a whole-machine sleep state. States are ordered by
// depth: deeper states power down more of the machine and need more
// platform cooperation to enter and leave.
type State int

const (
	// StateOn is the fully running system. It is not a transition
	// target; it exists to mark the bottom of the range.
	StateOn State = iota

	// StateFreeze is the shallowest sleep state. Userspace is frozen
	// and the control thread parks on the freeze gate until a wakeup
	// source fires. It never requires a platform backend.
	StateFreeze

	// StateStandby is a medium-depth state with platform involvement.
	StateStandby

	// StateMem is the deepest state, typically suspend-to-RAM.
	StateMem

	// stateMax marks the top of the range. Everything at or above it
	// is rejected before any work starts.
	stateMax
)

// Labels for each reachable sleep state, as written to the control
// surface and accepted back from it.
var stateLabels = map[State]string{
	StateFreeze:  "freeze",
	StateStandby: "standby",
	StateMem:     "mem",
}

// String returns the canonical label for the state.
func (s State) String() string {
	if label, ok := stateLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InRange reports whether the state is a permissible transition target.
// Requests outside this range fail before any statistics or hardware
// are touched.
func (s State) InRange() bool {
	return s > StateOn && s < stateMax
}

// NeedsPlatform reports whether entering the state requires a platform
// backend. StateFreeze parks on the freeze gate instead and never does.
func (s State) NeedsPlatform() bool {
	return s > StateFreeze
}

// ParseState maps a label from the control surface to a State. The
// label "idle" is accepted as an alias for freeze. Unknown labels get a
// suspend.invalid_state error.
func ParseState(label string) (State, error) {
	switch label {
	case "freeze", "idle":
		return StateFreeze, nil
	case "standby":
		return StateStandby, nil
	case "mem":
		return StateMem, nil
	default:
		return StateOn, errors.InvalidState(label)
	}
}

// States returns the reachable sleep states in depth order.
func States() []State {
	return []State{StateFreeze, StateStandby, StateMem}
}
