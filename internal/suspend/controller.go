// Package suspend implements the whole-machine sleep-state transition
// controller: a validation gate, a try-acquired transition lock, and a
// strictly ordered prepare / enter / finish state machine in which
// every completed step is undone on failure, in reverse order, before
// the error propagates.
package suspend

import (
	"context"
	"log"
	"sync"
	"time"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// DefaultTestDelay is how long an armed debug checkpoint holds the
// descent before unwinding.
const DefaultTestDelay = 5 * time.Second

// Options configures a Controller. Any nil collaborator is replaced
// with a no-op implementation, so a zero Options gives a controller
// that walks the full state machine against nothing.
type Options struct {
	Freezer  TaskFreezer
	Devices  DevicePM
	Console  Console
	Syscore  Syscore
	CPUs     CPUControl
	IRQ      IRQControl
	Notifier Notifier
	Wakeup   WakeupSource
	Tracer   Tracer
	Alloc    AllocPolicy
	Observer Observer

	// Sync flushes filesystems before the prepare stage. Nil skips.
	Sync func()

	// TestDelay overrides the checkpoint hold time. Zero means
	// DefaultTestDelay; tests set a negative value to skip the hold.
	TestDelay time.Duration

	// MaxReentries caps how many times SuspendAgain may re-enter the
	// platform state within one transition. Zero means unbounded.
	MaxReentries int
}

// Controller serializes sleep-state transitions and drives them
// through their stages. All transition work happens on the goroutine
// that called RequestSleep; concurrent requests fail fast with a busy
// error instead of queueing.
type Controller struct {
	// mu is the transition lock. Held for the whole of enterState,
	// try-acquired by transitions and block-acquired by
	// SetPlatformOps.
	mu sync.Mutex

	// opsMu guards the table pointer itself, which the validation
	// gate reads without holding the transition lock.
	opsMu sync.RWMutex
	ops   *PlatformOps

	gate  *FreezeGate
	stats *Stats

	freezer  TaskFreezer
	devices  DevicePM
	console  Console
	syscore  Syscore
	cpus     CPUControl
	irq      IRQControl
	notifier Notifier
	wakeup   WakeupSource
	tracer   Tracer
	alloc    AllocPolicy
	observer Observer
	sync     func()

	testMu    sync.Mutex
	testLevel TestLevel

	testDelay    time.Duration
	maxReentries int
}

// NewController builds a controller from opts.
func NewController(opts Options) *Controller {
	c := &Controller{
		gate:         NewFreezeGate(),
		stats:        &Stats{},
		freezer:      opts.Freezer,
		devices:      opts.Devices,
		console:      opts.Console,
		syscore:      opts.Syscore,
		cpus:         opts.CPUs,
		irq:          opts.IRQ,
		notifier:     opts.Notifier,
		wakeup:       opts.Wakeup,
		tracer:       opts.Tracer,
		alloc:        opts.Alloc,
		observer:     opts.Observer,
		sync:         opts.Sync,
		testDelay:    opts.TestDelay,
		maxReentries: opts.MaxReentries,
	}
	if c.freezer == nil {
		c.freezer = nopFreezer{}
	}
	if c.devices == nil {
		c.devices = nopDevices{}
	}
	if c.console == nil {
		c.console = nopConsole{}
	}
	if c.syscore == nil {
		c.syscore = nopSyscore{}
	}
	if c.cpus == nil {
		c.cpus = nopCPUs{}
	}
	if c.irq == nil {
		c.irq = &nopIRQ{}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.wakeup == nil {
		c.wakeup = nopWakeup{}
	}
	if c.tracer == nil {
		c.tracer = nopTracer{}
	}
	if c.alloc == nil {
		c.alloc = nopAlloc{}
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.testDelay == 0 {
		c.testDelay = DefaultTestDelay
	}
	return c
}

// SetPlatformOps registers the platform backend, replacing any
// previous table. It blocks until no transition is in flight, so a
// running transition always sees one consistent table.
func (c *Controller) SetPlatformOps(ops *PlatformOps) {
	c.mu.Lock()
	c.opsMu.Lock()
	c.ops = ops
	c.opsMu.Unlock()
	c.mu.Unlock()
}

// platformOps reads the table pointer without the transition lock.
func (c *Controller) platformOps() *PlatformOps {
	c.opsMu.RLock()
	defer c.opsMu.RUnlock()
	return c.ops
}

// HasPlatformOps reports whether a backend is registered.
func (c *Controller) HasPlatformOps() bool {
	return c.platformOps() != nil
}

// StateSupported is the validation gate. Freeze is supported except
// when the armed test level sits below the point where a freeze
// transition parks; deeper states require a registered backend whose
// Valid predicate accepts them.
func (c *Controller) StateSupported(state State) bool {
	if state == StateFreeze {
		if level := c.TestLevel(); !level.allowsFreeze() {
			log.Printf("suspend: Warning: unsupported test level %q for freeze state, choose none/freezer/devices/platform", level)
			return false
		}
		return true
	}
	return c.platformOps().validFor(state)
}

// SetTestLevel arms the debug checkpoint at the given level. Takes
// effect on the next transition stage that consults it.
func (c *Controller) SetTestLevel(level TestLevel) {
	c.testMu.Lock()
	c.testLevel = level
	c.testMu.Unlock()
}

// TestLevel returns the currently armed checkpoint level.
func (c *Controller) TestLevel() TestLevel {
	c.testMu.Lock()
	defer c.testMu.Unlock()
	return c.testLevel
}

// checkpoint fires when the armed test level matches: it logs, holds
// for the configured delay, and tells the caller to unwind.
func (c *Controller) checkpoint(level TestLevel) bool {
	if c.TestLevel() != level {
		return false
	}
	if c.testDelay > 0 {
		log.Printf("suspend: %s checkpoint reached, holding for %v", level, c.testDelay)
		time.Sleep(c.testDelay)
	} else {
		log.Printf("suspend: %s checkpoint reached", level)
	}
	return true
}

// Stats returns a snapshot of the transition counters.
func (c *Controller) Stats() Snapshot {
	return c.stats.Snapshot()
}

// Gate exposes the freeze gate so wakeup sources can release a parked
// freeze transition.
func (c *Controller) Gate() *FreezeGate {
	return c.gate
}

// Wake releases a freeze transition parked on the gate. Safe to call
// at any time from any goroutine.
func (c *Controller) Wake() {
	c.gate.Wake()
}

// RequestSleep validates the target range, runs the transition, and
// accounts the outcome. It returns the first error the descent hit, or
// nil once the machine is back up after a clean round trip.
func (c *Controller) RequestSleep(ctx context.Context, state State) error {
	if !state.InRange() {
		return apperrors.InvalidState(state.String())
	}

	began := time.Now()
	c.marker("entry")
	c.observer.TransitionStarted(state)

	err := c.enterState(ctx, state)
	if err != nil {
		c.stats.Failure(err)
		log.Printf("suspend: transition to %s failed, fail count %d: %v", state, c.stats.Snapshot().Fail, err)
	} else {
		c.stats.Success()
		log.Printf("suspend: transition to %s succeeded, success count %d", state, c.stats.Snapshot().Success)
	}

	c.observer.TransitionFinished(state, err, time.Since(began))
	c.marker("exit")
	return err
}

// marker logs a wall-clock boundary of the transition, so the gap in
// monotonic logging during the suspended window can be correlated
// against real time.
func (c *Controller) marker(annotation string) {
	log.Printf("suspend: marker: %s %s", annotation, time.Now().UTC().Format(time.RFC3339Nano))
}

// enterState runs one serialized transition: gate, lock, sync,
// prepare, descend, finish, unlock. A deep state with no backend at
// all is distinguished from one the backend declines.
func (c *Controller) enterState(ctx context.Context, state State) error {
	if state.NeedsPlatform() && !c.HasPlatformOps() {
		return apperrors.NotImplemented(state.String())
	}
	if !c.StateSupported(state) {
		return apperrors.Unsupported(state.String())
	}

	if !c.mu.TryLock() {
		return apperrors.Busy()
	}
	defer c.mu.Unlock()

	if state == StateFreeze {
		c.gate.Begin()
	}

	if c.sync != nil {
		log.Printf("suspend: syncing filesystems")
		c.sync()
		log.Printf("suspend: syncing done")
	}

	log.Printf("suspend: preparing system for %s sleep", state)
	if err := c.prepare(state); err != nil {
		return err
	}

	var err error
	if !c.checkpoint(TestFreezer) {
		log.Printf("suspend: suspending devices and entering %s sleep", state)
		c.alloc.Restrict()
		err = c.devicesAndEnter(ctx, state)
		c.alloc.Restore()
	}

	log.Printf("suspend: finishing wakeup")
	c.finish()
	return err
}

// prepare readies the system for the descent: capability check before
// any side effect, console switch, prepare notifiers, then task
// freezing. Its rollback branch undoes the notifier and console work;
// frozen tasks are thawed later by finish.
func (c *Controller) prepare(state State) error {
	if state.NeedsPlatform() && !c.platformOps().canEnter() {
		return apperrors.NotPermitted(state.String())
	}

	c.console.Prepare()

	err := c.notifier.SuspendPrepare()
	if err == nil {
		if err = c.freezeTasks(); err == nil {
			return nil
		}
		c.stats.FreezeFailed()
		err = apperrors.Wrap(apperrors.CodeSuspendFreezeFailed, "some tasks refused to freeze", err)
	}

	c.notifier.PostSuspend()
	c.console.Restore()
	return err
}

// freezeTasks freezes user workloads, then kernel-side ones. The
// freezer thaws its own side on failure, so only the cross-side thaw
// is handled here.
func (c *Controller) freezeTasks() error {
	if err := c.freezer.FreezeUser(); err != nil {
		return err
	}
	if err := c.freezer.FreezeKernel(); err != nil {
		c.freezer.ThawUser()
		return err
	}
	return nil
}

// finish unwinds the prepare stage: thaw everything, run the post
// notifiers, restore the console. Runs exactly once per transition
// that got past prepare, on success and failure alike.
func (c *Controller) finish() {
	c.freezer.ThawAll()
	c.notifier.PostSuspend()
	c.console.Restore()
}
