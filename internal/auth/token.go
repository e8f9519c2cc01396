package auth

import (
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TokenValidator checks device bearer tokens and answers scope
// questions about the devices behind them.
type TokenValidator struct {
	store   DeviceStore
	timeNow func() time.Time
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(store DeviceStore) *TokenValidator {
	return &TokenValidator{
		store:   store,
		timeNow: time.Now,
	}
}

// ValidateToken checks if the given token is valid.
// On success, returns the device and updates its last_seen timestamp.
// Returns ErrDeviceNotFound if the token is invalid.
//
// Note: This does a linear scan of all devices to find a matching hash.
// A machine typically has a handful of paired control clients, so the
// scan is acceptable. For larger deployments, consider caching.
func (tv *TokenValidator) ValidateToken(token string) (*Device, error) {
	devices, err := tv.store.ListDevices()
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		// bcrypt.CompareHashAndPassword handles timing-safe comparison
		if err := bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(token)); err != nil {
			continue
		}

		log.Printf("auth: validated token for device %s (%s, scopes=%s)", device.ID, device.Name, device.Scopes)

		if err := tv.store.UpdateLastSeen(device.ID, tv.timeNow()); err != nil {
			// Log but don't fail - validation succeeded
			log.Printf("auth: failed to update last_seen for device %s: %v", device.ID, err)
		}

		return device, nil
	}

	log.Printf("auth: token validation failed (no matching device)")
	return nil, ErrDeviceNotFound
}

// Authorize checks that a device's grant covers the requested scope.
// Returns ErrScopeDenied when it does not.
func (tv *TokenValidator) Authorize(device *Device, want Scope) error {
	if device == nil {
		return ErrDeviceNotFound
	}
	if !HasScope(device.Scopes, want) {
		log.Printf("auth: device %s (scopes=%s) denied %s", device.ID, device.Scopes, want)
		return ErrScopeDenied
	}
	return nil
}

// RecordCommand notes the power command a device just issued, for the
// device-list audit trail. Lookup failures are logged, not returned;
// command execution never hinges on the audit write.
func (tv *TokenValidator) RecordCommand(deviceID, command string) {
	if deviceID == "" {
		return
	}
	if err := tv.store.RecordDeviceCommand(deviceID, command, tv.timeNow()); err != nil {
		log.Printf("auth: failed to record command %q for device %s: %v", command, deviceID, err)
	}
}

// ValidateDeviceID checks if a device ID exists.
// This is used for device management operations.
func (tv *TokenValidator) ValidateDeviceID(id string) (*Device, error) {
	device, err := tv.store.GetDevice(id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}
