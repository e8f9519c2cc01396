package platform

import (
	"log"
	"sync"
	"time"

	"github.com/somnus/sleepd/internal/suspend"
)

// Simulated is a backend that accepts every deep state and enters none
// of them. It holds the control thread for a configurable window so
// timing-sensitive callers see a realistic suspended gap, then returns
// as if the machine woke up. Used in dry-run mode and by tests.
type Simulated struct {
	mu       sync.Mutex
	hold     time.Duration
	entered  []suspend.State
	enterErr error
}

// NewSimulated returns a simulated backend that holds each entry for
// the given duration. A zero hold returns immediately.
func NewSimulated(hold time.Duration) *Simulated {
	return &Simulated{hold: hold}
}

// Ops builds the callback table for the transition controller.
func (m *Simulated) Ops() *suspend.PlatformOps {
	return &suspend.PlatformOps{
		Valid: func(state suspend.State) bool { return state.InRange() },
		Enter: m.enter,
	}
}

func (m *Simulated) enter(state suspend.State) error {
	m.mu.Lock()
	m.entered = append(m.entered, state)
	err := m.enterErr
	hold := m.hold
	m.mu.Unlock()

	if err != nil {
		return err
	}
	log.Printf("platform: simulating %s sleep for %v", state, hold)
	if hold > 0 {
		time.Sleep(hold)
	}
	return nil
}

// Entered returns the states entered so far, in order.
func (m *Simulated) Entered() []suspend.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]suspend.State(nil), m.entered...)
}

// SetEnterError makes subsequent entries fail with err. Pass nil to
// clear.
func (m *Simulated) SetEnterError(err error) {
	m.mu.Lock()
	m.enterErr = err
	m.mu.Unlock()
}
