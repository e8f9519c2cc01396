package devices

import (
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

// trace collects callback invocations from concurrently running
// devices.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, s)
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

// tracedDevice returns a device whose four callbacks record into tr.
func tracedDevice(tr *trace, name string, tier int) Device {
	return Device{
		Name: name,
		Tier: tier,
		Suspend: func(suspend.State) error {
			tr.add(name + ":suspend")
			return nil
		},
		Resume: func(suspend.State) {
			tr.add(name + ":resume")
		},
		SuspendLate: func(suspend.State) error {
			tr.add(name + ":suspend_late")
			return nil
		},
		ResumeEarly: func(suspend.State) {
			tr.add(name + ":resume_early")
		},
	}
}

func TestRegister_RejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Device{Name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register(Device{Name: "disk"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Device{Name: "disk"}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
}

func TestNames_ListsInTierOrder(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	r.Register(tracedDevice(tr, "nic", 2))
	r.Register(tracedDevice(tr, "disk", 0))
	r.Register(tracedDevice(tr, "gpu", 1))

	got := strings.Join(r.Names(), ",")
	if got != "disk,gpu,nic" {
		t.Fatalf("names=%q want disk,gpu,nic", got)
	}
}

func TestFullCycle_TierOrderingAndReverseResume(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	r.Register(tracedDevice(tr, "disk", 0))
	r.Register(tracedDevice(tr, "gpu", 1))
	r.Register(tracedDevice(tr, "nic", 2))

	if err := r.SuspendStart(suspend.StateMem); err != nil {
		t.Fatalf("suspend start: %v", err)
	}
	if err := r.SuspendEnd(suspend.StateMem); err != nil {
		t.Fatalf("suspend end: %v", err)
	}
	r.ResumeStart(suspend.StateMem)
	r.ResumeEnd(suspend.StateMem)

	want := []string{
		"disk:suspend", "gpu:suspend", "nic:suspend",
		"disk:suspend_late", "gpu:suspend_late", "nic:suspend_late",
		"nic:resume_early", "gpu:resume_early", "disk:resume_early",
		"nic:resume", "gpu:resume", "disk:resume",
	}
	got := tr.list()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestSuspendStart_RunsTierConcurrently(t *testing.T) {
	r := NewRegistry()
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(suspend.State) error {
		barrier.Done()
		barrier.Wait()
		return nil
	}
	r.Register(Device{Name: "left", Tier: 0, Suspend: meet})
	r.Register(Device{Name: "right", Tier: 0, Suspend: meet})

	// Completes only if both callbacks overlap in time.
	if err := r.SuspendStart(suspend.StateFreeze); err != nil {
		t.Fatalf("suspend start: %v", err)
	}
}

func TestSuspendStart_FailureNamesDeviceAndLeavesRollbackToResumeEnd(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	r.Register(tracedDevice(tr, "disk", 0))
	r.Register(Device{
		Name: "gpu",
		Tier: 1,
		Suspend: func(suspend.State) error {
			return errors.New("firmware busy")
		},
		Resume: func(suspend.State) { tr.add("gpu:resume") },
	})

	err := r.SuspendStart(suspend.StateMem)
	if err == nil {
		t.Fatal("expected suspend failure")
	}
	if apperrors.GetCode(err) != apperrors.CodeSuspendDevicesFailed {
		t.Fatalf("code=%q want %q", apperrors.GetCode(err), apperrors.CodeSuspendDevicesFailed)
	}
	if !strings.Contains(err.Error(), "gpu") {
		t.Fatalf("error %q does not name the failing device", err)
	}

	// The failed device never suspended, so resume touches only disk.
	r.ResumeEnd(suspend.StateMem)
	got := strings.Join(tr.list(), ",")
	if got != "disk:suspend,disk:resume" {
		t.Fatalf("calls=%q want disk:suspend,disk:resume", got)
	}
}

func TestSuspendStart_TierSurvivorIsResumedByResumeEnd(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	var barrier sync.WaitGroup
	barrier.Add(2)
	r.Register(Device{
		Name: "ok",
		Tier: 0,
		Suspend: func(suspend.State) error {
			barrier.Done()
			barrier.Wait()
			tr.add("ok:suspend")
			return nil
		},
		Resume: func(suspend.State) { tr.add("ok:resume") },
	})
	r.Register(Device{
		Name: "bad",
		Tier: 0,
		Suspend: func(suspend.State) error {
			barrier.Done()
			barrier.Wait()
			return errors.New("no response")
		},
		Resume: func(suspend.State) { tr.add("bad:resume") },
	})

	if err := r.SuspendStart(suspend.StateMem); err == nil {
		t.Fatal("expected suspend failure")
	}
	r.ResumeEnd(suspend.StateMem)

	got := strings.Join(tr.list(), ",")
	if got != "ok:suspend,ok:resume" {
		t.Fatalf("calls=%q want ok:suspend,ok:resume", got)
	}
}

func TestSuspendEnd_FailureUndoesLateWorkBeforeReturning(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	r.Register(tracedDevice(tr, "disk", 0))
	r.Register(Device{
		Name: "gpu",
		Tier: 1,
		SuspendLate: func(suspend.State) error {
			return errors.New("clock gate stuck")
		},
		ResumeEarly: func(suspend.State) { tr.add("gpu:resume_early") },
	})

	if err := r.SuspendStart(suspend.StateMem); err != nil {
		t.Fatalf("suspend start: %v", err)
	}
	if err := r.SuspendEnd(suspend.StateMem); err == nil {
		t.Fatal("expected late suspend failure")
	} else if apperrors.GetCode(err) != apperrors.CodeSuspendDevicesFailed {
		t.Fatalf("code=%q want %q", apperrors.GetCode(err), apperrors.CodeSuspendDevicesFailed)
	}

	// disk's late work was undone by SuspendEnd itself; a later
	// ResumeStart finds nothing left to do.
	r.ResumeStart(suspend.StateMem)
	r.ResumeEnd(suspend.StateMem)

	want := "disk:suspend,disk:suspend_late,disk:resume_early,disk:resume"
	if got := strings.Join(tr.list(), ","); got != want {
		t.Fatalf("calls=%q want %q", got, want)
	}
}

func TestResume_IsIdempotentAfterFlagsClear(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	r.Register(tracedDevice(tr, "disk", 0))

	if err := r.SuspendStart(suspend.StateFreeze); err != nil {
		t.Fatalf("suspend start: %v", err)
	}
	r.ResumeEnd(suspend.StateFreeze)
	r.ResumeEnd(suspend.StateFreeze)

	want := "disk:suspend,disk:resume"
	if got := strings.Join(tr.list(), ","); got != want {
		t.Fatalf("calls=%q want %q", got, want)
	}
}

func TestLatePhase_SkipsDevicesWithoutLateCallbacks(t *testing.T) {
	r := NewRegistry()
	tr := &trace{}
	r.Register(Device{
		Name: "simple",
		Tier: 0,
		Suspend: func(suspend.State) error {
			tr.add("simple:suspend")
			return nil
		},
		Resume: func(suspend.State) { tr.add("simple:resume") },
	})
	r.Register(tracedDevice(tr, "full", 1))

	if err := r.SuspendStart(suspend.StateStandby); err != nil {
		t.Fatalf("suspend start: %v", err)
	}
	if err := r.SuspendEnd(suspend.StateStandby); err != nil {
		t.Fatalf("suspend end: %v", err)
	}
	r.ResumeStart(suspend.StateStandby)
	r.ResumeEnd(suspend.StateStandby)

	want := "simple:suspend,full:suspend,full:suspend_late,full:resume_early,full:resume,simple:resume"
	if got := strings.Join(tr.list(), ","); got != want {
		t.Fatalf("calls=%q want %q", got, want)
	}
}
