// Package freezer stops and restarts supervised process trees around a
// sleep transition using stop signals. It is the userspace analogue of
// the task freezer: user workloads are frozen first and thawed last,
// cooperating service processes are frozen after them, and any failure
// mid-freeze thaws that side before the error propagates.
package freezer

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Options configures a Freezer.
type Options struct {
	// UserPIDs are the root PIDs of the user workloads. Each root is
	// expanded to its full descendant tree at freeze time.
	UserPIDs []int

	// ServicePIDs are the root PIDs of cooperating services, frozen
	// only after the user side is down.
	ServicePIDs []int

	// ProcRoot overrides the process table location. Defaults to
	// /proc.
	ProcRoot string

	// Kill overrides the signal sender. Defaults to unix.Kill.
	Kill func(pid int, sig unix.Signal) error
}

// Freezer signals supervised process trees to stop and continue. All
// methods are called from the transition control thread; the mutex only
// protects against status queries from other goroutines.
type Freezer struct {
	mu sync.Mutex

	userRoots    []int
	serviceRoots []int
	procRoot     string
	kill         func(pid int, sig unix.Signal) error

	// The daemon must never stop its own tree.
	selfPID int

	frozenUser     []int
	frozenServices []int
}

// New builds a freezer from opts.
func New(opts Options) *Freezer {
	f := &Freezer{
		userRoots:    append([]int(nil), opts.UserPIDs...),
		serviceRoots: append([]int(nil), opts.ServicePIDs...),
		procRoot:     opts.ProcRoot,
		kill:         opts.Kill,
		selfPID:      os.Getpid(),
	}
	if f.procRoot == "" {
		f.procRoot = "/proc"
	}
	if f.kill == nil {
		f.kill = unix.Kill
	}
	return f
}

// FreezeUser stops the user workload trees. On failure everything this
// call stopped has been continued again.
func (f *Freezer) FreezeUser() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frozen, err := f.freeze(f.userRoots, "user")
	if err != nil {
		return err
	}
	f.frozenUser = frozen
	return nil
}

// FreezeKernel stops the cooperating service trees. On failure only
// this side has been thawed; the caller owns the user side.
func (f *Freezer) FreezeKernel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frozen, err := f.freeze(f.serviceRoots, "service")
	if err != nil {
		return err
	}
	f.frozenServices = frozen
	return nil
}

// ThawUser continues the user workload trees.
func (f *Freezer) ThawUser() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thaw(f.frozenUser, "user")
	f.frozenUser = nil
}

// ThawAll continues everything, services before user workloads. Safe
// regardless of how far freezing got.
func (f *Freezer) ThawAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thaw(f.frozenServices, "service")
	f.frozenServices = nil
	f.thaw(f.frozenUser, "user")
	f.frozenUser = nil
}

// FrozenCount returns how many processes are currently stopped.
func (f *Freezer) FrozenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frozenUser) + len(f.frozenServices)
}

// freeze expands the roots into their process trees and stops each
// one. A process that exited since the scan is skipped; any other
// signal failure undoes this call's work and reports the culprit.
func (f *Freezer) freeze(roots []int, side string) ([]int, error) {
	targets := f.expand(roots)
	if len(targets) == 0 {
		return nil, nil
	}

	log.Printf("freezer: freezing %d %s processes (%d roots)", len(targets), side, len(roots))

	var frozen []int
	for _, pid := range targets {
		if err := f.kill(pid, unix.SIGSTOP); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			f.thaw(frozen, side)
			return nil, fmt.Errorf("freeze %s pid %d: %w", side, pid, err)
		}
		frozen = append(frozen, pid)
	}
	return frozen, nil
}

// thaw continues the given processes in reverse freeze order.
func (f *Freezer) thaw(pids []int, side string) {
	if len(pids) == 0 {
		return
	}
	log.Printf("freezer: thawing %d %s processes", len(pids), side)
	for i := len(pids) - 1; i >= 0; i-- {
		if err := f.kill(pids[i], unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Printf("freezer: Warning: thaw %s pid %d: %v", side, pids[i], err)
		}
	}
}

// expand returns the roots plus all their descendants, deduplicated,
// with the daemon's own tree excluded.
func (f *Freezer) expand(roots []int) []int {
	tree := f.childMap()

	seen := make(map[int]bool)
	var targets []int
	var queue []int

	for _, root := range roots {
		if root <= 0 || seen[root] {
			continue
		}
		seen[root] = true
		queue = append(queue, root)
		targets = append(targets, root)
	}

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, child := range tree[curr] {
			if seen[child] {
				continue
			}
			seen[child] = true
			queue = append(queue, child)
			targets = append(targets, child)
		}
	}

	filtered := targets[:0]
	for _, pid := range targets {
		if pid == f.selfPID {
			continue
		}
		filtered = append(filtered, pid)
	}
	return filtered
}

// childMap scans the process table once and maps each parent to its
// children.
func (f *Freezer) childMap() map[int][]int {
	tree := make(map[int][]int)

	entries, err := os.ReadDir(f.procRoot)
	if err != nil {
		log.Printf("freezer: Warning: cannot scan %s: %v", f.procRoot, err)
		return tree
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		_, ppid, err := f.readStat(pid)
		if err != nil {
			continue
		}
		tree[ppid] = append(tree[ppid], pid)
	}
	return tree
}

// readStat parses the state and parent PID out of a stat file. The
// command field can contain spaces and parentheses, so fields are
// counted from the last closing paren.
func (f *Freezer) readStat(pid int) (state string, ppid int, err error) {
	data, err := os.ReadFile(filepath.Join(f.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return "", 0, err
	}

	str := string(data)
	lastParen := strings.LastIndex(str, ")")
	if lastParen == -1 || lastParen+2 >= len(str) {
		return "", 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(str[lastParen+2:])
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed ppid for pid %d: %w", pid, err)
	}
	return fields[0], ppid, nil
}

// Stopped reports whether the process is currently in the stopped
// state, which survives daemon restarts.
func (f *Freezer) Stopped(pid int) bool {
	state, _, err := f.readStat(pid)
	return err == nil && (state == "T" || state == "t")
}
