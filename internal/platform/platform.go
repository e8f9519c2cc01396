// Package platform provides the backends that take the hardware into
// a sleep state. The sysfs backend drives the kernel's power control
// files; the simulated backend stands in on machines where those files
// are unavailable or must not be touched.
package platform

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

// DefaultRoot is the power control directory of the running kernel.
const DefaultRoot = "/sys/power"

// Sysfs enters sleep states by writing their labels to the kernel's
// power control files. The write to the state file blocks until the
// machine resumes, which is exactly the Enter contract.
type Sysfs struct {
	root      string
	supported map[suspend.State]bool
}

// NewSysfs probes the control files under root (DefaultRoot if empty)
// and returns a backend limited to the states the kernel advertises.
func NewSysfs(root string) (*Sysfs, error) {
	if root == "" {
		root = DefaultRoot
	}

	data, err := os.ReadFile(filepath.Join(root, "state"))
	if err != nil {
		return nil, fmt.Errorf("read supported power states: %w", err)
	}

	s := &Sysfs{
		root:      root,
		supported: make(map[suspend.State]bool),
	}
	for _, label := range strings.Fields(string(data)) {
		// Labels we do not drive (disk and friends) are skipped.
		state, err := suspend.ParseState(label)
		if err != nil {
			continue
		}
		s.supported[state] = true
	}

	log.Printf("platform: sysfs backend at %s, advertised states: %s", root, strings.TrimSpace(string(data)))
	return s, nil
}

// Root returns the control directory this backend drives.
func (s *Sysfs) Root() string {
	return s.root
}

// Supports reports whether the kernel advertises the state.
func (s *Sysfs) Supports(state suspend.State) bool {
	return s.supported[state]
}

// Ops builds the callback table for the transition controller. Only
// Valid and Enter are populated; the kernel handles its own platform
// bracketing behind the state file write.
func (s *Sysfs) Ops() *suspend.PlatformOps {
	return &suspend.PlatformOps{
		Valid: s.Supports,
		Enter: s.enter,
	}
}

func (s *Sysfs) enter(state suspend.State) error {
	path := filepath.Join(s.root, "state")
	if err := os.WriteFile(path, []byte(state.String()), 0644); err != nil {
		return apperrors.Wrap(apperrors.CodeSuspendEnterFailed,
			fmt.Sprintf("write %q to %s", state, path), err)
	}
	return nil
}

// MemSleepMode reads the active suspend-to-RAM variant from the
// mem_sleep control file. The active mode is the bracketed entry,
// e.g. "s2idle [deep]" reports "deep".
func (s *Sysfs) MemSleepMode() (string, error) {
	path := filepath.Join(s.root, "mem_sleep")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read mem_sleep mode: %w", err)
	}
	for _, field := range strings.Fields(string(data)) {
		if strings.HasPrefix(field, "[") && strings.HasSuffix(field, "]") {
			return strings.Trim(field, "[]"), nil
		}
	}
	return "", fmt.Errorf("no active mode in %s: %q", path, strings.TrimSpace(string(data)))
}

// SetMemSleepMode selects the suspend-to-RAM variant used by the next
// mem transition.
func (s *Sysfs) SetMemSleepMode(mode string) error {
	path := filepath.Join(s.root, "mem_sleep")
	if err := os.WriteFile(path, []byte(mode), 0644); err != nil {
		return fmt.Errorf("write mem_sleep mode: %w", err)
	}
	log.Printf("platform: mem_sleep mode set to %s", mode)
	return nil
}
