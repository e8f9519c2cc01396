// Package wakeup tracks named wakeup sources. Drivers and transports
// register a source and trigger it when their hardware signals; the
// transition controller polls the registry in the critical window and
// aborts entry while events are pending.
package wakeup

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Event is one wakeup signal from a registered source.
type Event struct {
	Source string    `json:"source"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// SourceStat is a per-source counter snapshot.
type SourceStat struct {
	Name       string    `json:"name"`
	Count      uint64    `json:"count"`
	LastAt     time.Time `json:"last_at,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
}

// Registry holds the wakeup sources and the armed-events watermark.
// Pending compares total events against the watermark; Disarm moves
// the watermark up so already-seen events stop blocking entry.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*Source
	events  uint64
	armed   uint64
	last    Event
	notify  []func(Event)

	// TimeNow stamps events and is replaceable in tests.
	TimeNow func() time.Time
}

// NewRegistry returns an empty registry with no pending events.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*Source),
		TimeNow: time.Now,
	}
}

// Register adds a named source. Names must be unique.
func (r *Registry) Register(name string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("wakeup source name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return nil, fmt.Errorf("wakeup source %q already registered", name)
	}
	s := &Source{registry: r, name: name}
	r.sources[name] = s
	return s, nil
}

// Notify adds a callback invoked on every event, outside the registry
// lock. Callbacks typically release the freeze gate or persist the
// event.
func (r *Registry) Notify(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = append(r.notify, fn)
}

// Pending reports whether any events arrived since the last arm
// point.
func (r *Registry) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events > r.armed
}

// CountAndArm returns the current event total and makes it the arm
// point, so a subsequent Pending is true only for events newer than
// this call. Control clients use it to hand a count to a suspend
// request the way the wakeup-count handshake does.
func (r *Registry) CountAndArm() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = r.events
	return r.events
}

// Disarm consumes all events seen so far. The controller calls it
// after a real entry attempt so stale events do not veto the next
// transition.
func (r *Registry) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = r.events
}

// Total returns the number of events ever recorded.
func (r *Registry) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// LastEvent returns the most recent event, if any.
func (r *Registry) LastEvent() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.events > 0
}

// Stats returns per-source counters sorted by name.
func (r *Registry) Stats() []SourceStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]SourceStat, 0, len(r.sources))
	for _, s := range r.sources {
		stats = append(stats, SourceStat{
			Name:       s.name,
			Count:      s.count,
			LastAt:     s.lastAt,
			LastReason: s.lastReason,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Source is one registered wakeup origin.
type Source struct {
	registry   *Registry
	name       string
	count      uint64
	lastAt     time.Time
	lastReason string
}

// Name returns the source's registered name.
func (s *Source) Name() string { return s.name }

// Count returns how many events this source has recorded.
func (s *Source) Count() uint64 {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	return s.count
}

// Trigger records one event and fans it out to the notify callbacks.
func (s *Source) Trigger(reason string) {
	r := s.registry
	r.mu.Lock()
	ev := Event{Source: s.name, Reason: reason, At: r.TimeNow()}
	s.count++
	s.lastAt = ev.At
	s.lastReason = reason
	r.events++
	r.last = ev
	callbacks := append(([]func(Event))(nil), r.notify...)
	r.mu.Unlock()

	if ev.Reason != "" {
		log.Printf("wakeup: %s event (%s)", ev.Source, ev.Reason)
	} else {
		log.Printf("wakeup: %s event", ev.Source)
	}
	for _, fn := range callbacks {
		fn(ev)
	}
}
