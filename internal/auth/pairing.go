package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Common errors for the pairing flow.
var (
	// ErrCodeExpired is returned when a pairing code has expired.
	ErrCodeExpired = errors.New("pairing code has expired")

	// ErrCodeInvalid is returned when the code doesn't match any active pairing.
	ErrCodeInvalid = errors.New("invalid pairing code")

	// ErrCodeUsed is returned when trying to redeem a code a second time.
	ErrCodeUsed = errors.New("pairing code already used")

	// ErrRateLimited is returned when too many pairing attempts are made.
	ErrRateLimited = errors.New("too many pairing attempts, try again later")

	// ErrInvalidScope is returned when a pairing code is requested with
	// scopes the daemon does not recognize.
	ErrInvalidScope = errors.New("unknown pairing scope")

	// ErrDeviceNotFound is returned when a device lookup fails.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrScopeDenied is returned when a device's grant does not cover
	// the requested operation.
	ErrScopeDenied = errors.New("device scopes do not permit this operation")
)

// pairingCodeDigits is the length of the numeric pairing code.
const pairingCodeDigits = 6

// PairingConfig holds configuration for the pairing manager.
type PairingConfig struct {
	// CodeExpiry is how long a pairing code remains valid.
	// Default: 2 minutes.
	CodeExpiry time.Duration

	// MaxAttemptsPerMinute is the rate limit for pairing attempts.
	// Default: 5 attempts per minute.
	MaxAttemptsPerMinute int

	// DeviceStore is where paired control clients are persisted.
	// Required.
	DeviceStore DeviceStore

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Grant is the result of redeeming a pairing code: the identity and
// credentials the control client uses from then on.
type Grant struct {
	// DeviceID is the unique identifier for the paired device.
	DeviceID string

	// Token is the raw bearer token. It is returned exactly once;
	// only its bcrypt hash is persisted.
	Token string

	// Scopes is the comma-joined capability set the code carried
	// (see ScopeObserve, ScopeControl).
	Scopes string
}

// PairingManager handles pairing code generation and redemption.
// It enforces rate limits and code expiry to prevent brute force attacks.
type PairingManager struct {
	mu sync.Mutex

	// config holds the pairing configuration
	config PairingConfig

	// activeCode is the current pending pairing code.
	// Only one code can be active at a time.
	activeCode *pairingCode

	// attempts holds the timestamps of recent redemption attempts,
	// pruned to the rate-limit window on each check.
	attempts []time.Time
}

// pairingCode is an active pairing code waiting to be redeemed.
type pairingCode struct {
	// code is the numeric code shown to the user.
	code string

	// scopes is what the resulting grant will be allowed to do.
	scopes string

	// expiresAt is when this code becomes invalid.
	expiresAt time.Time

	// used indicates the code has been redeemed.
	used bool
}

// NewPairingManager creates a new pairing manager with the given config.
func NewPairingManager(config PairingConfig) *PairingManager {
	// Apply defaults
	if config.CodeExpiry == 0 {
		config.CodeExpiry = 2 * time.Minute
	}
	if config.MaxAttemptsPerMinute == 0 {
		config.MaxAttemptsPerMinute = 5
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	return &PairingManager{config: config}
}

// GenerateCode creates a new pairing code granting the given scopes.
// Empty scopes default to full control; unknown scopes are rejected.
// Any previously active code is invalidated.
// Returns the code string to display to the user.
func (pm *PairingManager) GenerateCode(scopes string) (string, error) {
	if scopes == "" {
		scopes = DefaultScopes
	}
	if !ValidScopes(scopes) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scopes)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	// crypto/rand keeps the code unpredictable; the short expiry and
	// attempt limit cover the remaining 10^6 search space.
	code, err := generateRandomCode(pairingCodeDigits)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := pm.config.TimeNow()
	pm.activeCode = &pairingCode{
		code:      code,
		scopes:    scopes,
		expiresAt: now.Add(pm.config.CodeExpiry),
	}

	log.Printf("auth: generated pairing code granting %s (expires at %s)",
		scopes, pm.activeCode.expiresAt.Format(time.RFC3339))

	return code, nil
}

// ValidateCode redeems a pairing code for a device grant.
// The code is marked as used before the device is persisted, so a second
// redemption fails even if device creation does.
//
// deviceName is a friendly name for the control client (e.g., "bedside tablet").
func (pm *PairingManager) ValidateCode(code, deviceName string) (*Grant, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := pm.config.TimeNow()

	if err := pm.admitAttempt(now); err != nil {
		return nil, err
	}

	if err := pm.checkCode(code, now); err != nil {
		return nil, err
	}

	// Mark the code used before touching storage (replay prevention).
	pm.activeCode.used = true

	token, err := generateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}

	device := &Device{
		ID:        uuid.New().String(),
		Name:      deviceName,
		TokenHash: string(hash),
		Scopes:    pm.activeCode.scopes,
		CreatedAt: now,
		LastSeen:  now,
	}

	if err := pm.config.DeviceStore.SaveDevice(device); err != nil {
		return nil, fmt.Errorf("save device: %w", err)
	}

	log.Printf("auth: paired device %s (%s, scopes=%s)", device.ID, deviceName, device.Scopes)

	return &Grant{
		DeviceID: device.ID,
		Token:    token,
		Scopes:   device.Scopes,
	}, nil
}

// checkCode verifies the submitted code against the active one.
// Must be called with pm.mu held.
func (pm *PairingManager) checkCode(code string, now time.Time) error {
	switch {
	case pm.activeCode == nil:
		log.Printf("auth: pairing attempt with no active code")
		return ErrCodeInvalid
	case pm.activeCode.used:
		log.Printf("auth: pairing attempt with already-used code")
		return ErrCodeUsed
	case now.After(pm.activeCode.expiresAt):
		log.Printf("auth: pairing attempt with expired code")
		return ErrCodeExpired
	case pm.activeCode.code != code:
		log.Printf("auth: pairing attempt with incorrect code")
		return ErrCodeInvalid
	}
	return nil
}

// HasActiveCode returns true if there's a non-expired, unused code.
func (pm *PairingManager) HasActiveCode() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.activeCode == nil {
		return false
	}

	now := pm.config.TimeNow()
	return !pm.activeCode.used && now.Before(pm.activeCode.expiresAt)
}

// GetCodeExpiry returns when the active code expires.
// Returns zero time if no active code exists.
func (pm *PairingManager) GetCodeExpiry() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.activeCode == nil {
		return time.Time{}
	}
	return pm.activeCode.expiresAt
}

// ActiveCodeScopes returns the scopes the active code would grant, or
// empty when no code is active.
func (pm *PairingManager) ActiveCodeScopes() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.activeCode == nil {
		return ""
	}
	return pm.activeCode.scopes
}

// admitAttempt enforces the rate limit and, when the attempt is
// admitted, records it. Must be called with pm.mu held.
func (pm *PairingManager) admitAttempt(now time.Time) error {
	cutoff := now.Add(-1 * time.Minute)

	kept := pm.attempts[:0]
	for _, at := range pm.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	pm.attempts = kept

	if len(pm.attempts) >= pm.config.MaxAttemptsPerMinute {
		log.Printf("auth: rate limit exceeded (%d attempts in last minute)", len(pm.attempts))
		return ErrRateLimited
	}

	pm.attempts = append(pm.attempts, now)
	return nil
}

// generateRandomCode generates a random numeric code of the given
// length, zero-padded. Uses crypto/rand for security.
func generateRandomCode(length int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < length; i++ {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", length, n), nil
}

// generateSecureToken generates a random bearer token for device
// authentication: 32 bytes (256 bits) of entropy, hex-encoded.
func generateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
