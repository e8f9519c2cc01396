// Package server provides the WebSocket and HTTPS control surface for
// the daemon. Control clients connect to /ws to request sleep
// transitions, query power status and statistics, arm test checkpoints,
// and wake a parked freeze transition; the same operations are exposed
// as plain HTTP endpoints under /api/ for the CLI and scripts.
package server

import (
	"time"
)

// MessageType identifies the kind of message being sent over WebSocket.
// Each type has a specific payload structure defined below.
type MessageType string

const (
	// MessageTypeSuspendRequest is sent by clients to start a sleep
	// transition. The result arrives later as a suspend.result, once
	// the machine is back up.
	// Payload: SuspendRequestPayload
	MessageTypeSuspendRequest MessageType = "suspend.request"

	// MessageTypeSuspendResult is sent by the server when a requested
	// transition has finished, successfully or not.
	// Payload: SuspendResultPayload
	MessageTypeSuspendResult MessageType = "suspend.result"

	// MessageTypePowerStatus carries the daemon's power status. Sent to
	// each client on connect, on request (empty payload from the
	// client), and after every finished transition.
	// Payload: PowerStatusPayload
	MessageTypePowerStatus MessageType = "power.status"

	// MessageTypePowerStats carries the transition counters. When
	// received from a client it triggers a stats response to that
	// client.
	// Payload: PowerStatsPayload
	MessageTypePowerStats MessageType = "power.stats"

	// MessageTypePowerWake is sent by clients to release a parked
	// freeze transition. The server echoes it back with the outcome.
	// Payload: PowerWakePayload
	MessageTypePowerWake MessageType = "power.wake"

	// MessageTypeTestSet is sent by clients to arm a debug checkpoint
	// level for the next transition.
	// Payload: TestSetPayload
	MessageTypeTestSet MessageType = "test.set"

	// MessageTypeTestResult is sent by the server to confirm a test.set.
	// Payload: TestResultPayload
	MessageTypeTestResult MessageType = "test.result"

	// MessageTypeTransitionStarted is broadcast to all clients when a
	// transition begins its descent.
	// Payload: TransitionEventPayload
	MessageTypeTransitionStarted MessageType = "transition.started"

	// MessageTypeTransitionFinished is broadcast to all clients when a
	// transition has unwound, on success and failure alike.
	// Payload: TransitionEventPayload
	MessageTypeTransitionFinished MessageType = "transition.finished"

	// MessageTypeWakeEvent is broadcast when a wakeup source fires.
	// Payload: WakeEventPayload
	MessageTypeWakeEvent MessageType = "wake.event"

	// MessageTypeError sends error information to clients.
	// Payload: ErrorPayload
	MessageTypeError MessageType = "error"

	// MessageTypeHeartbeat is used to keep the connection alive.
	// Payload: none (empty object)
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Message is the envelope for all WebSocket messages.
// Every message has a type and an optional ID for request/response
// correlation. The Payload field contains type-specific data.
type Message struct {
	// Type identifies what kind of message this is.
	Type MessageType `json:"type"`

	// ID is an optional message identifier for correlation.
	// Clients can use this to match responses to requests.
	ID string `json:"id,omitempty"`

	// Payload contains the message-specific data.
	// The structure depends on the Type field.
	Payload interface{} `json:"payload"`
}

// SuspendRequestPayload asks for a transition into the named state.
type SuspendRequestPayload struct {
	// State is the target sleep state label: "freeze", "standby" or
	// "mem". The alias "idle" is accepted for freeze.
	State string `json:"state"`
}

// SuspendResultPayload reports the outcome of a transition request.
type SuspendResultPayload struct {
	// State is the sleep state that was requested.
	State string `json:"state"`

	// Success is true when the machine completed a clean round trip.
	Success bool `json:"success"`

	// ErrorCode is the stable error code on failure (e.g., "suspend.busy").
	ErrorCode string `json:"error_code,omitempty"`

	// Error is a human-readable description on failure.
	Error string `json:"error,omitempty"`

	// DurationMs is how long the whole transition took, in milliseconds.
	DurationMs int64 `json:"duration_ms"`
}

// PowerStatusPayload describes the daemon's current power posture.
type PowerStatusPayload struct {
	// Backend names the registered platform backend, or "" when the
	// daemon runs without one.
	Backend string `json:"backend,omitempty"`

	// States lists the sleep states the validation gate currently
	// accepts, in depth order.
	States []string `json:"states"`

	// MemSleepMode is the platform's mem variant ("s2idle", "deep"),
	// empty when the backend has no such control.
	MemSleepMode string `json:"mem_sleep_mode,omitempty"`

	// TestLevel is the armed debug checkpoint, "none" in production.
	TestLevel string `json:"test_level"`

	// Suspending is true while a transition is in flight.
	Suspending bool `json:"suspending"`

	// WakeupPending is true when a wakeup source has fired since the
	// events check was last armed.
	WakeupPending bool `json:"wakeup_pending"`

	// Timestamp is when this status was captured (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// PowerStatsPayload carries the transition counters and the persisted
// history totals.
type PowerStatsPayload struct {
	// Success and Fail count completed and failed transitions since
	// the daemon started.
	Success int `json:"success"`
	Fail    int `json:"fail"`

	// FailedFreeze counts task-freeze failures during prepare.
	FailedFreeze int `json:"failed_freeze"`

	// LastErrorCode, LastError and LastFailedStep describe the most
	// recent failure, empty when every transition succeeded.
	LastErrorCode  string `json:"last_error_code,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	LastFailedStep string `json:"last_failed_step,omitempty"`

	// Recorded* aggregate the persisted history, which survives daemon
	// restarts.
	RecordedTransitions int `json:"recorded_transitions"`
	RecordedSucceeded   int `json:"recorded_succeeded"`
	RecordedFailed      int `json:"recorded_failed"`
	RecordedWakeEvents  int `json:"recorded_wake_events"`
}

// PowerWakePayload names the reason for a wake request. Both fields
// are optional; the server fills Woken in its echo.
type PowerWakePayload struct {
	// Source identifies what is requesting the wake (e.g., "cli",
	// "rtc"). Defaults to the connection's device ID or "remote".
	Source string `json:"source,omitempty"`

	// Reason is free-form context for the wake event log.
	Reason string `json:"reason,omitempty"`

	// Woken is set by the server: true when a parked transition was
	// actually released, false when nothing was waiting.
	Woken bool `json:"woken"`
}

// TestSetPayload arms a debug checkpoint.
type TestSetPayload struct {
	// Level is the checkpoint label: "none", "core", "processors",
	// "platform", "devices" or "freezer".
	Level string `json:"level"`
}

// TestResultPayload confirms a test.set request.
type TestResultPayload struct {
	// Level is the level now armed.
	Level string `json:"level"`

	// Success is false when the level label was not recognized.
	Success bool `json:"success"`

	// ErrorCode and Error describe a rejected request.
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TransitionEventPayload describes a transition lifecycle broadcast.
type TransitionEventPayload struct {
	// State is the target sleep state of the transition.
	State string `json:"state"`

	// Success and the error fields are only meaningful on
	// transition.finished.
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	// DurationMs is the elapsed transition time on transition.finished.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Timestamp is when the event occurred (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// WakeEventPayload describes a wakeup-source firing.
type WakeEventPayload struct {
	// Source is the wakeup source name.
	Source string `json:"source"`

	// Reason is the free-form trigger context.
	Reason string `json:"reason,omitempty"`

	// Timestamp is when the source fired (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload carries error information.
type ErrorPayload struct {
	// Code is a stable machine-readable error code (e.g., "suspend.busy").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// NewPowerStatusMessage creates a power.status message.
func NewPowerStatusMessage(status PowerStatusPayload) Message {
	if status.Timestamp == 0 {
		status.Timestamp = time.Now().UnixMilli()
	}
	return Message{
		Type:    MessageTypePowerStatus,
		Payload: status,
	}
}

// NewPowerStatsMessage creates a power.stats message.
func NewPowerStatsMessage(stats PowerStatsPayload) Message {
	return Message{
		Type:    MessageTypePowerStats,
		Payload: stats,
	}
}

// NewSuspendResultMessage creates a suspend.result message.
// For failures, provide both errCode and errMsg; for success, both
// should be empty.
func NewSuspendResultMessage(state string, success bool, errCode, errMsg string, elapsed time.Duration) Message {
	return Message{
		Type: MessageTypeSuspendResult,
		Payload: SuspendResultPayload{
			State:      state,
			Success:    success,
			ErrorCode:  errCode,
			Error:      errMsg,
			DurationMs: elapsed.Milliseconds(),
		},
	}
}

// NewPowerWakeMessage creates the server's echo of a power.wake request.
func NewPowerWakeMessage(source, reason string, woken bool) Message {
	return Message{
		Type: MessageTypePowerWake,
		Payload: PowerWakePayload{
			Source: source,
			Reason: reason,
			Woken:  woken,
		},
	}
}

// NewTestResultMessage creates a test.result message.
func NewTestResultMessage(level string, success bool, errCode, errMsg string) Message {
	return Message{
		Type: MessageTypeTestResult,
		Payload: TestResultPayload{
			Level:     level,
			Success:   success,
			ErrorCode: errCode,
			Error:     errMsg,
		},
	}
}

// NewTransitionStartedMessage creates a transition.started broadcast.
func NewTransitionStartedMessage(state string) Message {
	return Message{
		Type: MessageTypeTransitionStarted,
		Payload: TransitionEventPayload{
			State:     state,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

// NewTransitionFinishedMessage creates a transition.finished broadcast.
func NewTransitionFinishedMessage(state string, success bool, errCode, errMsg string, elapsed time.Duration) Message {
	return Message{
		Type: MessageTypeTransitionFinished,
		Payload: TransitionEventPayload{
			State:      state,
			Success:    success,
			ErrorCode:  errCode,
			Error:      errMsg,
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  time.Now().UnixMilli(),
		},
	}
}

// NewWakeEventMessage creates a wake.event broadcast.
func NewWakeEventMessage(source, reason string) Message {
	return Message{
		Type: MessageTypeWakeEvent,
		Payload: WakeEventPayload{
			Source:    source,
			Reason:    reason,
			Timestamp: time.Now().UnixMilli(),
		},
	}
}

// NewErrorMessage creates an error message to send to clients.
func NewErrorMessage(code, message string) Message {
	return Message{
		Type: MessageTypeError,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

// NewHeartbeatMessage creates a heartbeat message for keep-alive.
func NewHeartbeatMessage() Message {
	return Message{
		Type:    MessageTypeHeartbeat,
		Payload: struct{}{},
	}
}
