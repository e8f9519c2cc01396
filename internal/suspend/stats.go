package suspend

import (
	"sync"

	apperrors "github.com/somnus/sleepd/internal/errors"
)

// Step tags the stage at which the most recent failed transition
// stopped making forward progress. Stored with each failure and
// surfaced through stats and history.
type Step string

const (
	StepFreeze      Step = "freeze"       // task freeze during prepare
	StepDevices     Step = "devices"      // start-tier device suspend
	StepDevicesLate Step = "devices_late" // late-tier device suspend
	StepCore        Step = "core"         // core services suspend
	StepPlatform    Step = "platform"     // platform enter operation
)

// Stats accumulates transition outcomes. Only the controller mutates
// it; everything else reads through Snapshot. Counters only ever grow.
type Stats struct {
	mu             sync.Mutex
	success        int
	fail           int
	failedFreeze   int
	lastErrorCode  string
	lastError      string
	lastFailedStep Step
}

// Snapshot is a read-only copy of the counters at one instant.
type Snapshot struct {
	Success        int    `json:"success"`
	Fail           int    `json:"fail"`
	FailedFreeze   int    `json:"failed_freeze"`
	LastErrorCode  string `json:"last_error_code,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	LastFailedStep Step   `json:"last_failed_step,omitempty"`
}

// Success records one completed transition.
func (s *Stats) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success++
}

// Failure records one failed transition and remembers its error.
func (s *Stats) Failure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail++
	s.lastErrorCode, s.lastError = apperrors.ToCodeAndMessage(err)
}

// FreezeFailed records a task-freeze failure during the prepare stage.
func (s *Stats) FreezeFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedFreeze++
	s.lastFailedStep = StepFreeze
}

// StepFailed remembers the stage a descent stopped at.
func (s *Stats) StepFailed(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFailedStep = step
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Success:        s.success,
		Fail:           s.fail,
		FailedFreeze:   s.failedFreeze,
		LastErrorCode:  s.lastErrorCode,
		LastError:      s.lastError,
		LastFailedStep: s.lastFailedStep,
	}
}
