// Package auth provides pairing, token validation, and scope-based
// authorization for remote control of the machine's sleep states.
//
// The pairing flow works as follows:
// 1. User runs `sleepd pair` to generate a 6-digit code (valid for 2 minutes).
//    The code carries the scopes the resulting grant will have.
// 2. Control client enters the code and POSTs to the /pair endpoint.
// 3. Daemon validates the code and answers with a pairing grant: a device
//    identity, a bearer token, and the granted scopes.
// 4. Control client uses the token for all subsequent connections; the
//    daemon checks the device's scopes before executing power commands.
//
// Scopes split clients into watchers and controllers: an "observe" grant
// can read power status, stats, and history, while a "control" grant can
// additionally suspend the machine, wake it, and arm test levels.
//
// Security considerations:
// - Pairing codes are short-lived (2 minute expiry)
// - Codes can only be used once (replay prevention)
// - Rate limiting prevents brute force attacks (max 5 attempts per minute)
// - Tokens are hashed before storage (bcrypt)
// - All remote control connections require a valid token
package auth

import (
	"strings"
	"time"

	"github.com/somnus/sleepd/internal/storage"
)

// Scope names a capability a pairing grant can carry.
type Scope string

const (
	// ScopeObserve allows reading power status, transition stats, and history.
	ScopeObserve Scope = "observe"

	// ScopeControl allows issuing suspend, wake, and test-level commands.
	// Control implies observe.
	ScopeControl Scope = "control"
)

// DefaultScopes is what a pairing code grants when no scopes are requested.
// Full control is the default because `sleepd pair` exists to let a remote
// client put the machine to sleep; observe-only grants are the opt-in.
const DefaultScopes = string(ScopeControl)

// ValidScopes reports whether every element of a comma-joined scope
// string names a known scope. The empty string is not valid; callers
// substitute DefaultScopes before storing.
func ValidScopes(scopes string) bool {
	if scopes == "" {
		return false
	}
	for _, part := range strings.Split(scopes, ",") {
		switch Scope(strings.TrimSpace(part)) {
		case ScopeObserve, ScopeControl:
		default:
			return false
		}
	}
	return true
}

// HasScope reports whether a stored scope string grants the given scope.
// Control implies observe, so a "control" device passes an observe check.
func HasScope(scopes string, want Scope) bool {
	for _, part := range strings.Split(scopes, ",") {
		got := Scope(strings.TrimSpace(part))
		if got == want {
			return true
		}
		if got == ScopeControl && want == ScopeObserve {
			return true
		}
	}
	return false
}

// Device is an alias for storage.Device to avoid import cycles.
// This allows the auth package to work with devices without duplicating the struct.
type Device = storage.Device

// DeviceStore defines the interface for persisting paired devices.
// This interface is implemented by storage.SQLiteStore.
// Implementations must be safe for concurrent access.
type DeviceStore interface {
	// SaveDevice persists a device to storage.
	// If a device with the same ID exists, it is updated.
	SaveDevice(device *Device) error

	// GetDevice retrieves a device by ID.
	// Returns nil, nil if the device does not exist.
	GetDevice(id string) (*Device, error)

	// ListDevices returns all paired devices.
	ListDevices() ([]*Device, error)

	// DeleteDevice removes a device from storage.
	// Returns nil if the device does not exist (idempotent).
	DeleteDevice(id string) error

	// UpdateLastSeen updates the last_seen timestamp for a device.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateLastSeen(id string, t time.Time) error

	// RecordDeviceCommand records the most recent power command the
	// device issued. Returns ErrDeviceNotFound if the device does not
	// exist.
	RecordDeviceCommand(id, command string, t time.Time) error
}
