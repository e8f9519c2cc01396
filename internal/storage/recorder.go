package storage

// recorder.go adapts the store to the controller's observer port so
// every sleep attempt lands in the transitions table.

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

// Recorder persists controller lifecycle events. Persistence failures
// are logged, never propagated: storage trouble must not fail a
// transition.
type Recorder struct {
	store *SQLiteStore
	stats func() suspend.Snapshot

	// TimeNow stamps rows and is replaceable in tests.
	TimeNow func() time.Time

	mu        sync.Mutex
	startedAt time.Time
}

// NewRecorder returns a Recorder writing to store. stats supplies the
// failed-step tag after a failure and may be nil.
func NewRecorder(store *SQLiteStore, stats func() suspend.Snapshot) *Recorder {
	return &Recorder{
		store:   store,
		stats:   stats,
		TimeNow: time.Now,
	}
}

// TransitionStarted remembers when the attempt began. The controller
// serializes transitions, so one slot suffices.
func (r *Recorder) TransitionStarted(state suspend.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = r.TimeNow()
}

// DevicesSuspending is a no-op for the recorder.
func (r *Recorder) DevicesSuspending(state suspend.State) {}

// DevicesResumed is a no-op for the recorder.
func (r *Recorder) DevicesResumed(state suspend.State) {}

// TransitionFinished writes the attempt's row.
func (r *Recorder) TransitionFinished(state suspend.State, err error, elapsed time.Duration) {
	r.mu.Lock()
	started := r.startedAt
	r.startedAt = time.Time{}
	r.mu.Unlock()

	finished := r.TimeNow()
	if started.IsZero() {
		started = finished.Add(-elapsed)
	}

	tr := &Transition{
		ID:         uuid.NewString(),
		State:      state.String(),
		Outcome:    OutcomeOK,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   elapsed,
	}
	if err != nil {
		tr.Outcome = OutcomeFailed
		tr.ErrorCode, tr.Error = apperrors.ToCodeAndMessage(err)
		if r.stats != nil {
			tr.FailedStep = string(r.stats().LastFailedStep)
		}
	}

	if serr := r.store.SaveTransition(tr); serr != nil {
		log.Printf("Warning: failed to record transition: %v", serr)
	}
}

// RecordWake persists one wakeup-source event. Shaped so the daemon
// can hang it off the wakeup registry's notify hook.
func (r *Recorder) RecordWake(source, reason string, at time.Time) {
	ev := &WakeEvent{Source: source, Reason: reason, At: at}
	if err := r.store.SaveWakeEvent(ev); err != nil {
		log.Printf("Warning: failed to record wake event: %v", err)
	}
}
