package freezer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeProc builds a process table under a temp dir. Each entry is
// pid -> (comm, state, ppid).
func fakeProc(t *testing.T, procs map[int][3]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, fields := range procs {
		dir := filepath.Join(root, strconv.Itoa(pid))
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatal(err)
		}
		stat := fmt.Sprintf("%d (%s) %s %s 0 0 0 0", pid, fields[0], fields[1], fields[2])
		if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

type sigCall struct {
	pid int
	sig unix.Signal
}

type sigRecorder struct {
	mu    sync.Mutex
	calls []sigCall
	fail  map[int]error
}

func (s *sigRecorder) kill(pid int, sig unix.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sigCall{pid, sig})
	if err, ok := s.fail[pid]; ok && sig == unix.SIGSTOP {
		return err
	}
	return nil
}

func (s *sigRecorder) sent(sig unix.Signal) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pids []int
	for _, c := range s.calls {
		if c.sig == sig {
			pids = append(pids, c.pid)
		}
	}
	return pids
}

func TestFreezeUser_ExpandsDescendantTree(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"workload", "S", "1"},
		101: {"child a", "S", "100"},
		102: {"child (b)", "S", "100"},
		103: {"grandchild", "S", "101"},
		200: {"bystander", "S", "1"},
	})
	rec := &sigRecorder{}
	f := New(Options{UserPIDs: []int{100}, ProcRoot: proc, Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatalf("FreezeUser = %v", err)
	}

	stopped := rec.sent(unix.SIGSTOP)
	want := map[int]bool{100: true, 101: true, 102: true, 103: true}
	if len(stopped) != len(want) {
		t.Fatalf("stopped %v, want exactly the tree under 100", stopped)
	}
	for _, pid := range stopped {
		if !want[pid] {
			t.Fatalf("stopped bystander pid %d", pid)
		}
	}
	if f.FrozenCount() != 4 {
		t.Fatalf("FrozenCount = %d, want 4", f.FrozenCount())
	}
}

func TestFreezeUser_RootListedBeforeDescendants(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"workload", "S", "1"},
		101: {"child", "S", "100"},
	})
	rec := &sigRecorder{}
	f := New(Options{UserPIDs: []int{100}, ProcRoot: proc, Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatalf("FreezeUser = %v", err)
	}
	stopped := rec.sent(unix.SIGSTOP)
	if len(stopped) != 2 || stopped[0] != 100 {
		t.Fatalf("stop order = %v, want root first", stopped)
	}

	// Thaw runs in reverse: the child continues before the root.
	f.ThawUser()
	continued := rec.sent(unix.SIGCONT)
	if len(continued) != 2 || continued[0] != 101 || continued[1] != 100 {
		t.Fatalf("thaw order = %v, want [101 100]", continued)
	}
}

func TestFreezeUser_FailureThawsOwnSide(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"workload", "S", "1"},
		101: {"child", "S", "100"},
		102: {"protected", "S", "100"},
	})
	rec := &sigRecorder{fail: map[int]error{102: unix.EPERM}}
	f := New(Options{UserPIDs: []int{100}, ProcRoot: proc, Kill: rec.kill})

	err := f.FreezeUser()
	if err == nil {
		t.Fatal("FreezeUser succeeded despite EPERM")
	}

	// Whatever was stopped before the failure was continued again.
	stopped := rec.sent(unix.SIGSTOP)
	continued := rec.sent(unix.SIGCONT)
	if len(continued) != len(stopped)-1 {
		t.Fatalf("stopped %v but continued %v", stopped, continued)
	}
	if f.FrozenCount() != 0 {
		t.Fatalf("FrozenCount = %d after failed freeze", f.FrozenCount())
	}
}

func TestFreezeUser_VanishedProcessIsSkipped(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"workload", "S", "1"},
		101: {"exiting", "S", "100"},
	})
	rec := &sigRecorder{fail: map[int]error{101: unix.ESRCH}}
	f := New(Options{UserPIDs: []int{100}, ProcRoot: proc, Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatalf("FreezeUser = %v", err)
	}
	if f.FrozenCount() != 1 {
		t.Fatalf("FrozenCount = %d, want 1 (vanished pid skipped)", f.FrozenCount())
	}
}

func TestFreezeKernel_FailureLeavesUserSideAlone(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"workload", "S", "1"},
		300: {"service", "S", "1"},
		301: {"svc child", "S", "300"},
	})
	rec := &sigRecorder{fail: map[int]error{301: unix.EPERM}}
	f := New(Options{UserPIDs: []int{100}, ServicePIDs: []int{300}, ProcRoot: proc, Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatalf("FreezeUser = %v", err)
	}
	if err := f.FreezeKernel(); err == nil {
		t.Fatal("FreezeKernel succeeded despite EPERM")
	}

	// Only the service side was thawed; pid 100 stays frozen for the
	// caller to handle.
	for _, pid := range rec.sent(unix.SIGCONT) {
		if pid == 100 {
			t.Fatal("kernel-side failure thawed the user side")
		}
	}
	if f.FrozenCount() != 1 {
		t.Fatalf("FrozenCount = %d, want the user root still frozen", f.FrozenCount())
	}
}

func TestThawAll_ServicesBeforeUser(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"workload", "S", "1"},
		300: {"service", "S", "1"},
	})
	rec := &sigRecorder{}
	f := New(Options{UserPIDs: []int{100}, ServicePIDs: []int{300}, ProcRoot: proc, Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatal(err)
	}
	if err := f.FreezeKernel(); err != nil {
		t.Fatal(err)
	}
	f.ThawAll()

	continued := rec.sent(unix.SIGCONT)
	if len(continued) != 2 || continued[0] != 300 || continued[1] != 100 {
		t.Fatalf("thaw order = %v, want services first", continued)
	}
	if f.FrozenCount() != 0 {
		t.Fatalf("FrozenCount = %d after ThawAll", f.FrozenCount())
	}

	// ThawAll again is a no-op.
	f.ThawAll()
	if got := rec.sent(unix.SIGCONT); len(got) != 2 {
		t.Fatalf("repeat ThawAll sent more signals: %v", got)
	}
}

func TestFreeze_NeverSignalsSelf(t *testing.T) {
	self := os.Getpid()
	proc := fakeProc(t, map[int][3]string{
		100:  {"workload", "S", "1"},
		self: {"sleepd", "S", "100"},
	})
	rec := &sigRecorder{}
	f := New(Options{UserPIDs: []int{100}, ProcRoot: proc, Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatalf("FreezeUser = %v", err)
	}
	for _, pid := range rec.sent(unix.SIGSTOP) {
		if pid == self {
			t.Fatal("freezer stopped its own process")
		}
	}
}

func TestFreeze_EmptyRootsIsTrivial(t *testing.T) {
	rec := &sigRecorder{}
	f := New(Options{ProcRoot: t.TempDir(), Kill: rec.kill})

	if err := f.FreezeUser(); err != nil {
		t.Fatalf("FreezeUser = %v", err)
	}
	if err := f.FreezeKernel(); err != nil {
		t.Fatalf("FreezeKernel = %v", err)
	}
	f.ThawAll()
	if len(rec.calls) != 0 {
		t.Fatalf("signals sent with no supervised roots: %v", rec.calls)
	}
}

func TestStopped_ReadsProcState(t *testing.T) {
	proc := fakeProc(t, map[int][3]string{
		100: {"running", "S", "1"},
		101: {"stopped", "T", "1"},
	})
	f := New(Options{ProcRoot: proc})

	if f.Stopped(100) {
		t.Fatal("running process reported stopped")
	}
	if !f.Stopped(101) {
		t.Fatal("stopped process not detected")
	}
	if f.Stopped(999) {
		t.Fatal("missing process reported stopped")
	}
}
