package suspend

// PlatformOps is the table of platform callbacks that drive the deep
// sleep states (standby and mem). All fields are optional; a nil field
// is skipped. Freeze never consults the table.
//
// The callbacks run on the control thread in the order documented on
// each field. Every pairing holds on both the success and the failure
// path: if a stage ran, its counterpart runs during unwind.
type PlatformOps struct {
	// Valid reports whether the platform can reach the given state.
	// Consulted by the validation gate before any transition work
	// starts. A nil Valid rejects every deep state.
	Valid func(State) bool

	// Begin starts a transition. It runs before devices are suspended
	// and is paired with End.
	Begin func(State) error

	// Prepare runs after devices are suspended but before their late
	// suspend phase. Paired with Finish.
	Prepare func() error

	// PrepareLate runs after the late device suspend phase, as the
	// last platform step before processors go offline. Paired with
	// Wake.
	PrepareLate func() error

	// Enter takes the hardware into the target state and returns when
	// the machine comes back. It runs with processors offline,
	// interrupts masked, and core services suspended.
	Enter func(State) error

	// Wake is the counterpart of PrepareLate. It runs before the early
	// device resume phase.
	Wake func()

	// Finish is the counterpart of Prepare. It runs after the early
	// device resume phase.
	Finish func()

	// End is the counterpart of Begin, after devices have resumed.
	End func()

	// Recover, if set, runs when device suspend fails, before devices
	// are resumed.
	Recover func()

	// SuspendAgain, if set, is polled after each wakeup from a clean
	// entry. Returning true re-enters the state without re-running the
	// device stages.
	SuspendAgain func() bool
}

// ValidOnlyMem is a Valid predicate for platforms that implement only
// suspend-to-RAM.
func ValidOnlyMem(state State) bool {
	return state == StateMem
}

// canEnter reports whether the table has the one operation a deep
// transition cannot proceed without.
func (ops *PlatformOps) canEnter() bool {
	return ops != nil && ops.Enter != nil
}

// validFor reports whether the table claims support for the state.
func (ops *PlatformOps) validFor(state State) bool {
	return ops != nil && ops.Valid != nil && ops.Valid(state)
}
