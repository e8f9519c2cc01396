// Package errors provides standardized error codes for the sleepd daemon.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (suspend, storage, server, auth)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by control clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that control clients can rely on for error handling.
const (
	// Suspend domain - sleep-state transition errors.
	CodeSuspendInvalidState   = "suspend.invalid_state"   // Requested state out of range
	CodeSuspendUnsupported    = "suspend.unsupported"     // State rejected by the validation gate
	CodeSuspendBusy           = "suspend.busy"            // Another transition already in flight
	CodeSuspendNotImplemented = "suspend.not_implemented" // No platform backend registered
	CodeSuspendNotPermitted   = "suspend.not_permitted"   // Backend lacks an enter operation
	CodeSuspendPrepareFailed  = "suspend.prepare_failed"  // Prepare-stage notifier or freezer failure
	CodeSuspendFreezeFailed   = "suspend.freeze_failed"   // Task freeze failed
	CodeSuspendDevicesFailed  = "suspend.devices_failed"  // Device suspend failed
	CodeSuspendEnterFailed    = "suspend.enter_failed"    // Low-level platform entry failed
	CodeSuspendAborted        = "suspend.aborted"         // Transition canceled while parked

	// Storage domain - database and persistence errors.
	CodeStorageNotFound    = "storage.not_found"    // Record not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// Server domain - WebSocket and HTTP control-surface errors.
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid message
	CodeServerHandlerMissing = "server.handler_missing" // No handler for message type
	CodeServerSendFailed     = "server.send_failed"     // Failed to send message
	CodeServerRateLimited    = "server.rate_limited"    // Too many messages per second

	// Auth domain - pairing and token validation.
	CodeAuthRequired      = "auth.required"       // Authentication required
	CodeAuthInvalid       = "auth.invalid"        // Invalid token or pairing code
	CodeAuthExpired       = "auth.expired"        // Pairing code expired
	CodeAuthForbidden     = "auth.forbidden"      // Operation restricted to local clients
	CodeAuthDeviceRevoked = "auth.device_revoked" // Device has been revoked

	// Test domain - debug checkpoint configuration.
	CodeTestInvalidLevel = "test.invalid_level" // Unknown test level name

	// General domain - catch-all errors.
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal daemon error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "suspend.busy")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// InvalidState creates a "suspend.invalid_state" error for out-of-range targets.
func InvalidState(state string) *CodedError {
	return New(CodeSuspendInvalidState, fmt.Sprintf("sleep state %q is not a valid transition target", state))
}

// Unsupported creates a "suspend.unsupported" error for states rejected by
// the validation gate (no backend registered, or its predicate declined).
func Unsupported(state string) *CodedError {
	return New(CodeSuspendUnsupported, fmt.Sprintf("sleep state %q is not supported on this platform", state))
}

// Busy creates a "suspend.busy" error. Returned without blocking when a
// transition is already in flight; callers retry with their own backoff.
func Busy() *CodedError {
	return New(CodeSuspendBusy, "another sleep transition is already in flight")
}

// NotImplemented creates a "suspend.not_implemented" error for deep states
// requested with no platform backend registered.
func NotImplemented(state string) *CodedError {
	return New(CodeSuspendNotImplemented, fmt.Sprintf("no platform backend registered for state %q", state))
}

// NotPermitted creates a "suspend.not_permitted" error for deep states whose
// backend lacks an enter operation.
func NotPermitted(state string) *CodedError {
	return New(CodeSuspendNotPermitted, fmt.Sprintf("platform backend cannot enter state %q", state))
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// InvalidTestLevel creates a "test.invalid_level" error.
func InvalidTestLevel(level string) *CodedError {
	return New(CodeTestInvalidLevel, fmt.Sprintf("unknown test level %q (use none, core, processors, platform, devices or freezer)", level))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
