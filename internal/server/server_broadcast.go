package server

// server_broadcast.go contains the broadcast helpers tied to the
// transition lifecycle, and the observer adapter that feeds them from
// the controller's control thread.

import (
	"time"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

// BroadcastTransitionStarted notifies all clients that a transition has
// begun its descent.
func (s *Server) BroadcastTransitionStarted(state string) {
	s.Broadcast(NewTransitionStartedMessage(state))
}

// BroadcastTransitionFinished notifies all clients that a transition has
// unwound, then pushes a fresh power.status so they see the
// post-transition posture without asking.
func (s *Server) BroadcastTransitionFinished(state string, err error, elapsed time.Duration) {
	if err != nil {
		code, message := apperrors.ToCodeAndMessage(err)
		s.Broadcast(NewTransitionFinishedMessage(state, false, code, message, elapsed))
	} else {
		s.Broadcast(NewTransitionFinishedMessage(state, true, "", "", elapsed))
	}

	s.mu.RLock()
	provider := s.statusProvider
	s.mu.RUnlock()
	if provider != nil {
		s.Broadcast(NewPowerStatusMessage(provider()))
	}
}

// BroadcastWakeEvent notifies all clients that a wakeup source fired.
// The daemon wires this to the wakeup registry's notification hook.
func (s *Server) BroadcastWakeEvent(source, reason string) {
	s.Broadcast(NewWakeEventMessage(source, reason))
}

// LifecycleBroadcaster adapts the server to the controller's observer
// port so every client hears transitions start and finish. Broadcasts
// are non-blocking, which keeps the observer contract: nothing here can
// stall the control thread.
type LifecycleBroadcaster struct {
	server *Server
}

// NewLifecycleBroadcaster returns an observer broadcasting through s.
func NewLifecycleBroadcaster(s *Server) *LifecycleBroadcaster {
	return &LifecycleBroadcaster{server: s}
}

func (b *LifecycleBroadcaster) TransitionStarted(state suspend.State) {
	b.server.BroadcastTransitionStarted(state.String())
}

func (b *LifecycleBroadcaster) DevicesSuspending(state suspend.State) {}

func (b *LifecycleBroadcaster) DevicesResumed(state suspend.State) {}

func (b *LifecycleBroadcaster) TransitionFinished(state suspend.State, err error, elapsed time.Duration) {
	b.server.BroadcastTransitionFinished(state.String(), err, elapsed)
}
