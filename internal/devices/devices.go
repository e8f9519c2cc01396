// Package devices implements the device walker a transition drives:
// registered devices are suspended tier by tier, in parallel within a
// tier, and resumed in the opposite order. The ordinary phase brackets
// the whole descent; the late phase brackets the innermost window
// around the hardware transition.
package devices

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

// Device is one entry in the suspend order. Lower tiers suspend first
// and resume last. Any callback may be nil; a device with only late
// callbacks participates only in the late phase.
type Device struct {
	Name string
	Tier int

	// Suspend and Resume bracket the ordinary phase.
	Suspend func(state suspend.State) error
	Resume  func(state suspend.State)

	// SuspendLate and ResumeEarly bracket the late phase, inside the
	// ordinary one.
	SuspendLate func(state suspend.State) error
	ResumeEarly func(state suspend.State)
}

type entry struct {
	dev Device

	// Phase flags track which phases completed for this device, so
	// the resume phases touch exactly the devices their counterpart
	// suspended. Guarded by the registry mutex.
	suspended bool
	late      bool
}

// Registry holds the registered devices and walks them through the
// four phases. Registration happens at wiring time; the walk methods
// are called from the transition control thread.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	tiers   map[int][]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		tiers:   make(map[int][]*entry),
	}
}

// Register adds a device. Names must be unique and non-empty.
func (r *Registry) Register(dev Device) error {
	if dev.Name == "" {
		return fmt.Errorf("device name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[dev.Name]; exists {
		return fmt.Errorf("device %q already registered", dev.Name)
	}
	e := &entry{dev: dev}
	r.entries[dev.Name] = e
	r.tiers[dev.Tier] = append(r.tiers[dev.Tier], e)
	return nil
}

// Names returns the registered device names in tier order.
func (r *Registry) Names() []string {
	var names []string
	for _, tier := range r.tierOrder(true) {
		for _, e := range r.tierEntries(tier) {
			names = append(names, e.dev.Name)
		}
	}
	return names
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SuspendStart suspends the ordinary phase, lowest tier first. On
// failure it returns immediately: the paired ResumeEnd call resumes
// whatever was suspended, including survivors of the failing tier.
func (r *Registry) SuspendStart(state suspend.State) error {
	began := time.Now()
	err := r.walkSuspend(state, false)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSuspendDevicesFailed, "device suspend failed", err)
	}
	log.Printf("devices: %d devices suspended in %v", r.Len(), time.Since(began))
	return nil
}

// SuspendEnd suspends the late phase, lowest tier first. On failure
// the late work is already undone when it returns, because the early
// resume phase does not run on that path.
func (r *Registry) SuspendEnd(state suspend.State) error {
	if err := r.walkSuspend(state, true); err != nil {
		r.walkResume(state, true)
		return apperrors.Wrap(apperrors.CodeSuspendDevicesFailed, "late device suspend failed", err)
	}
	return nil
}

// ResumeStart undoes the late phase, highest tier first.
func (r *Registry) ResumeStart(state suspend.State) {
	r.walkResume(state, true)
}

// ResumeEnd undoes the ordinary phase, highest tier first. Devices
// that never suspended are skipped, so it is safe after a partial or
// failed suspend phase.
func (r *Registry) ResumeEnd(state suspend.State) {
	r.walkResume(state, false)
}

// walkSuspend runs one suspend phase across all tiers, in parallel
// within each tier. Completion flags are set per device as each
// callback returns.
func (r *Registry) walkSuspend(state suspend.State, latePhase bool) error {
	for _, tier := range r.tierOrder(true) {
		g := new(errgroup.Group)
		for _, e := range r.tierEntries(tier) {
			g.Go(func() error {
				cb := e.dev.Suspend
				if latePhase {
					cb = e.dev.SuspendLate
				}
				if cb != nil {
					if err := cb(state); err != nil {
						return fmt.Errorf("%s: %w", e.dev.Name, err)
					}
				}
				r.setFlag(e, latePhase, true)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			log.Printf("devices: tier %d suspend failed: %v", tier, err)
			return err
		}
	}
	return nil
}

// walkResume undoes one phase across all tiers, highest first,
// resuming exactly the devices whose flag for that phase is set.
func (r *Registry) walkResume(state suspend.State, latePhase bool) {
	for _, tier := range r.tierOrder(false) {
		var wg sync.WaitGroup
		for _, e := range r.tierEntries(tier) {
			if !r.clearFlag(e, latePhase) {
				continue
			}
			cb := e.dev.Resume
			if latePhase {
				cb = e.dev.ResumeEarly
			}
			if cb == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				cb(state)
			}()
		}
		wg.Wait()
	}
}

func (r *Registry) setFlag(e *entry, latePhase, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if latePhase {
		e.late = v
	} else {
		e.suspended = v
	}
}

// clearFlag clears the phase flag and reports whether it was set.
func (r *Registry) clearFlag(e *entry, latePhase bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if latePhase {
		was := e.late
		e.late = false
		return was
	}
	was := e.suspended
	e.suspended = false
	return was
}

func (r *Registry) tierOrder(ascending bool) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := make([]int, 0, len(r.tiers))
	for tier := range r.tiers {
		order = append(order, tier)
	}
	if ascending {
		sort.Ints(order)
	} else {
		sort.Sort(sort.Reverse(sort.IntSlice(order)))
	}
	return order
}

func (r *Registry) tierEntries(tier int) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entry(nil), r.tiers[tier]...)
}
