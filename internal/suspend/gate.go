package suspend

import (
	"context"
	"sync"
)

// FreezeGate parks the control thread during a freeze transition until
// a wakeup source fires. The wake side is level-triggered: one Wake
// releases the current waiter and any waiter that arrives before the
// next Begin, so a wake that lands while the controller is still
// descending is not lost.
type FreezeGate struct {
	mu    sync.Mutex
	ch    chan struct{}
	woken bool
}

// NewFreezeGate returns a gate in the woken-and-stale position; Begin
// must run before the first Wait of each transition.
func NewFreezeGate() *FreezeGate {
	return &FreezeGate{ch: make(chan struct{})}
}

// Begin arms the gate for a new transition, discarding any wake left
// over from the previous cycle.
func (g *FreezeGate) Begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.woken {
		g.ch = make(chan struct{})
		g.woken = false
	}
}

// Wait parks until Wake fires or the context is canceled. A wake that
// arrived since the last Begin releases it immediately. On cancellation
// the context error is returned and the caller unwinds as if woken.
func (g *FreezeGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake releases all current and future waiters until the next Begin.
// Safe to call from any goroutine, any number of times.
func (g *FreezeGate) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.woken {
		g.woken = true
		close(g.ch)
	}
}

// Woken reports whether a wake has fired since the last Begin.
func (g *FreezeGate) Woken() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.woken
}
