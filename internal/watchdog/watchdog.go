// Package watchdog notices a machine that lingers awake. The daemon
// arms it at startup; it stands down while a transition has devices
// suspended and re-arms once they resume. If the timeout elapses with
// no transition underway it reports which wakeup sources are keeping
// the machine up.
package watchdog

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/somnus/sleepd/internal/suspend"
)

// Watchdog is a suspend.Observer that fires OnIdle when the machine
// stays awake for a whole timeout period. A zero timeout disables it.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	gen     uint64

	// Sources lists the wakeup sources to blame in the report. May be
	// nil.
	Sources func() []string

	// OnIdle handles an expired awake period. The default logs; tests
	// replace it. It runs on the timer goroutine.
	OnIdle func(idle time.Duration, sources []string)

	// AfterFunc schedules the expiry callback and is replaceable in
	// tests.
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

// New returns a disarmed watchdog. sources may be nil.
func New(timeout time.Duration, sources func() []string) *Watchdog {
	w := &Watchdog{
		timeout:   timeout,
		Sources:   sources,
		AfterFunc: time.AfterFunc,
	}
	w.OnIdle = func(idle time.Duration, sources []string) {
		if len(sources) == 0 {
			log.Printf("watchdog: awake for %v with no transition underway", idle)
			return
		}
		log.Printf("watchdog: awake for %v with no transition underway; wakeup sources: %s",
			idle, strings.Join(sources, ", "))
	}
	return w
}

// Arm starts (or restarts) the awake-period countdown. After firing,
// the watchdog re-arms itself so a persistently awake machine keeps
// reporting once per period.
func (w *Watchdog) Arm() {
	if w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armLocked()
}

func (w *Watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		// Lost the race with a disarm or re-arm.
		w.mu.Unlock()
		return
	}
	w.armLocked()
	w.mu.Unlock()

	var sources []string
	if w.Sources != nil {
		sources = w.Sources()
	}
	w.OnIdle(w.timeout, sources)
}

// Disarm stops the countdown.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
	w.gen++
}

// Armed reports whether the countdown is running.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// TransitionStarted is a no-op: an attempt that fails before devices
// suspend never stops the countdown.
func (w *Watchdog) TransitionStarted(state suspend.State) {}

// DevicesSuspending stands the countdown down while devices are going
// under; the machine is no longer lingering.
func (w *Watchdog) DevicesSuspending(state suspend.State) {
	w.Disarm()
}

// DevicesResumed restarts the countdown: the machine is awake again.
func (w *Watchdog) DevicesResumed(state suspend.State) {
	w.Arm()
}

// TransitionFinished is a no-op; DevicesResumed already re-armed on
// every path that suspended devices.
func (w *Watchdog) TransitionFinished(state suspend.State, err error, elapsed time.Duration) {}
