package storage

// devices.go contains SQLiteStore methods for paired control clients.
// A device row is the durable half of a pairing grant: the bcrypt token
// hash the daemon checks on every connection, the scopes the grant
// carries, and an audit trail of when the client was last seen and what
// power command it issued last.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Device is a paired control client.
type Device struct {
	// ID is the stable identifier handed out at pairing time.
	ID string

	// Name is the friendly name the client supplied when pairing.
	Name string

	// TokenHash is the bcrypt hash of the device's bearer token.
	// The raw token is sent to the client exactly once and never stored.
	TokenHash string

	// Scopes is the comma-joined set of scopes the pairing grant carried
	// ("observe" or "control"). Interpreted by the auth package.
	Scopes string

	CreatedAt time.Time
	LastSeen  time.Time

	// LastCommand is the most recent power command this device issued
	// (e.g. "suspend:mem", "wake", "test:devices"), empty if it has
	// only observed.
	LastCommand string

	// LastCommandAt is when LastCommand was issued. Zero when no command
	// has been recorded.
	LastCommandAt time.Time
}

const deviceColumns = "id, name, token_hash, scopes, created_at, last_seen, last_command, last_command_at"

// SaveDevice persists a device. An existing row with the same ID is
// replaced, which covers both first-time pairing and re-pairing a
// client under the same identity.
func (s *SQLiteStore) SaveDevice(device *Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving device %s (%s, scopes=%s)", device.ID, device.Name, device.Scopes)

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO devices (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, deviceColumns)

	_, err := s.db.Exec(query,
		device.ID,
		device.Name,
		device.TokenHash,
		device.Scopes,
		device.CreatedAt.Format(time.RFC3339Nano),
		device.LastSeen.Format(time.RFC3339Nano),
		device.LastCommand,
		formatOptionalTime(device.LastCommandAt),
	)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}

	return nil
}

// GetDevice retrieves a device by ID.
// Returns nil, nil if the device does not exist.
func (s *SQLiteStore) GetDevice(id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT %s FROM devices WHERE id = ?", deviceColumns)

	device, err := scanDevice(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	return device, nil
}

// ListDevices returns all paired devices, oldest pairing first.
func (s *SQLiteStore) ListDevices() ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT %s FROM devices ORDER BY created_at ASC", deviceColumns)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// DeleteDevice removes a device from storage.
// Returns nil if the device does not exist (idempotent delete).
func (s *SQLiteStore) DeleteDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting device %s", id)

	_, err := s.db.Exec("DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	return nil
}

// UpdateLastSeen updates the last_seen timestamp for a device.
// Returns ErrDeviceNotFound if the device does not exist.
func (s *SQLiteStore) UpdateLastSeen(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateDeviceRow(id,
		"UPDATE devices SET last_seen = ? WHERE id = ?",
		t.Format(time.RFC3339Nano), id)
}

// RecordDeviceCommand records the most recent power command a device
// issued. Returns ErrDeviceNotFound if the device does not exist.
func (s *SQLiteStore) RecordDeviceCommand(id, command string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: device %s issued command %q", id, command)

	return s.updateDeviceRow(id,
		"UPDATE devices SET last_command = ?, last_command_at = ? WHERE id = ?",
		command, t.Format(time.RFC3339Nano), id)
}

// updateDeviceRow runs an UPDATE that must hit exactly one device row.
// Must be called with s.mu held.
func (s *SQLiteStore) updateDeviceRow(id, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update device %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// scanDevice scans one row into a Device.
func scanDevice(row scanner) (*Device, error) {
	var (
		device        Device
		createdAt     string
		lastSeen      string
		lastCommandAt string
	)

	err := row.Scan(
		&device.ID,
		&device.Name,
		&device.TokenHash,
		&device.Scopes,
		&createdAt,
		&lastSeen,
		&device.LastCommand,
		&lastCommandAt,
	)
	if err != nil {
		return nil, err
	}

	if device.CreatedAt, err = parseDeviceTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if device.LastSeen, err = parseDeviceTime("last_seen", lastSeen); err != nil {
		return nil, err
	}
	// last_command_at is empty until the device issues its first command.
	if lastCommandAt != "" {
		if device.LastCommandAt, err = parseDeviceTime("last_command_at", lastCommandAt); err != nil {
			return nil, err
		}
	}

	return &device, nil
}

func parseDeviceTime(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", column, err)
	}
	return t, nil
}

// formatOptionalTime renders a timestamp column that may be unset.
func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
