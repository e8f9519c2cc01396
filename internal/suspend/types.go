package suspend

import "time"

// Ports to the subsystems a transition drives. Production
// implementations live in their own packages (freezer, devices,
// platform, wakeup); tests substitute recording fakes. Every method is
// called from the single control thread, so implementations only need
// to be safe against their own background work.

// TaskFreezer stops and restarts the workloads that must not observe
// the machine mid-transition.
type TaskFreezer interface {
	// FreezeUser freezes user workloads. On failure it has already
	// thawed whatever it froze.
	FreezeUser() error

	// FreezeKernel freezes daemon-side workloads. On failure it has
	// thawed only its own side; the caller thaws the user side.
	FreezeKernel() error

	// ThawUser undoes FreezeUser.
	ThawUser()

	// ThawAll thaws both sides. Safe to call regardless of how far
	// freezing got.
	ThawAll()
}

// DevicePM walks the device tree through its suspend and resume
// phases. SuspendStart/ResumeEnd cover the ordinary tiers,
// SuspendEnd/ResumeStart the late tiers that run closest to the
// hardware transition. ResumeEnd resumes whatever SuspendStart got
// done, so a failed start phase needs no rollback of its own; a
// failed SuspendEnd has already undone its late work when it returns,
// because ResumeStart does not run on that path.
type DevicePM interface {
	SuspendStart(state State) error
	SuspendEnd(state State) error
	ResumeStart(state State)
	ResumeEnd(state State)
}

// Console switches the logging surface around a transition. Prepare
// and Restore bracket the whole attempt; SuspendOutput and ResumeOutput
// bracket the window where devices are down and writes could hang.
type Console interface {
	Prepare()
	Restore()
	SuspendOutput()
	ResumeOutput()
}

// Syscore suspends the core services that must stop last and start
// first.
type Syscore interface {
	Suspend() error
	Resume()
}

// CPUControl takes secondary processors offline around the platform
// entry. OnlineSecondaries is safe after a failed offline.
type CPUControl interface {
	OfflineSecondaries() error
	OnlineSecondaries()
}

// IRQControl masks interrupt delivery for the innermost window. Masked
// lets the controller assert the mask actually took.
type IRQControl interface {
	Mask()
	Unmask()
	Masked() bool
}

// Notifier broadcasts transition lifecycle events to registered
// listeners. SuspendPrepare may veto the transition; PostSuspend is
// informational and always runs during unwind.
type Notifier interface {
	SuspendPrepare() error
	PostSuspend()
}

// WakeupSource answers whether a wake event arrived while descending.
// Disarm clears the armed events check after a real entry attempt so a
// stale arm cannot poison the next transition.
type WakeupSource interface {
	Pending() bool
	Disarm()
}

// Tracer marks transition boundaries and quiesces trace collection
// while devices are down.
type Tracer interface {
	TransitionStart(state State)
	TransitionEnd()
	Stop()
	Start()
}

// AllocPolicy restricts the allocation behavior of the rest of the
// process while devices are suspended, so nothing blocks on resources
// that cannot make progress mid-transition.
type AllocPolicy interface {
	Restrict()
	Restore()
}

// Observer receives lifecycle callbacks from the control thread. It
// must not influence the transition; implementations record, persist,
// or export. DevicesSuspending fires once the platform has accepted
// the transition, DevicesResumed once the device tree is back up.
type Observer interface {
	TransitionStarted(state State)
	DevicesSuspending(state State)
	DevicesResumed(state State)
	TransitionFinished(state State, err error, elapsed time.Duration)
}

// Observers fans callbacks out to several observers in order.
type Observers []Observer

func (os Observers) TransitionStarted(state State) {
	for _, o := range os {
		o.TransitionStarted(state)
	}
}

func (os Observers) DevicesSuspending(state State) {
	for _, o := range os {
		o.DevicesSuspending(state)
	}
}

func (os Observers) DevicesResumed(state State) {
	for _, o := range os {
		o.DevicesResumed(state)
	}
}

func (os Observers) TransitionFinished(state State, err error, elapsed time.Duration) {
	for _, o := range os {
		o.TransitionFinished(state, err, elapsed)
	}
}

// No-op defaults used for collaborators the caller leaves unset.

type nopFreezer struct{}

func (nopFreezer) FreezeUser() error   { return nil }
func (nopFreezer) FreezeKernel() error { return nil }
func (nopFreezer) ThawUser()           {}
func (nopFreezer) ThawAll()            {}

type nopDevices struct{}

func (nopDevices) SuspendStart(State) error { return nil }
func (nopDevices) SuspendEnd(State) error   { return nil }
func (nopDevices) ResumeStart(State)        {}
func (nopDevices) ResumeEnd(State)          {}

type nopConsole struct{}

func (nopConsole) Prepare()       {}
func (nopConsole) Restore()       {}
func (nopConsole) SuspendOutput() {}
func (nopConsole) ResumeOutput() {}

type nopSyscore struct{}

func (nopSyscore) Suspend() error { return nil }
func (nopSyscore) Resume()        {}

type nopCPUs struct{}

func (nopCPUs) OfflineSecondaries() error { return nil }
func (nopCPUs) OnlineSecondaries()        {}

// nopIRQ tracks the mask so the controller's assertions hold even in
// the default wiring.
type nopIRQ struct{ masked bool }

func (i *nopIRQ) Mask()        { i.masked = true }
func (i *nopIRQ) Unmask()      { i.masked = false }
func (i *nopIRQ) Masked() bool { return i.masked }

type nopNotifier struct{}

func (nopNotifier) SuspendPrepare() error { return nil }
func (nopNotifier) PostSuspend()          {}

type nopWakeup struct{}

func (nopWakeup) Pending() bool { return false }
func (nopWakeup) Disarm()       {}

type nopTracer struct{}

func (nopTracer) TransitionStart(State) {}
func (nopTracer) TransitionEnd()        {}
func (nopTracer) Stop()                 {}
func (nopTracer) Start()                {}

type nopAlloc struct{}

func (nopAlloc) Restrict() {}
func (nopAlloc) Restore()  {}

type nopObserver struct{}

func (nopObserver) TransitionStarted(State)                       {}
func (nopObserver) DevicesSuspending(State)                       {}
func (nopObserver) DevicesResumed(State)                          {}
func (nopObserver) TransitionFinished(State, error, time.Duration) {}
