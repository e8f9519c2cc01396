package storage

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 4

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	if version < 3 {
		if err := s.migrateToV3(); err != nil {
			return fmt.Errorf("migrate to v3: %w", err)
		}
	}

	if version < 4 {
		if err := s.migrateToV4(); err != nil {
			return fmt.Errorf("migrate to v4: %w", err)
		}
	}

	return nil
}

// recordMigration stamps a schema version as applied.
func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the initial schema (transitions table).
func (s *SQLiteStore) migrateToV1() error {
	log.Printf("storage: applying migration to schema version 1")

	// One row per sleep attempt. Timestamps are stored as RFC3339
	// strings for readability and portability; the duration is kept in
	// milliseconds so queries can aggregate it without parsing.
	const transitionsTable = `
		CREATE TABLE IF NOT EXISTS transitions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			outcome TEXT NOT NULL,
			failed_step TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);

		-- Index for newest-first history queries (most common access pattern).
		CREATE INDEX IF NOT EXISTS idx_transitions_started ON transitions(started_at);

		-- Index for outcome aggregation.
		CREATE INDEX IF NOT EXISTS idx_transitions_outcome ON transitions(outcome);
	`

	if _, err := s.db.Exec(transitionsTable); err != nil {
		return fmt.Errorf("create transitions table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds the devices table for pairing/authentication.
func (s *SQLiteStore) migrateToV2() error {
	log.Printf("storage: applying migration to schema version 2")

	// The devices table stores paired control clients.
	// Each device has a unique ID and a bcrypt-hashed token for authentication.
	// The token_hash is never exposed; only the raw token is sent to the device once.
	const devicesTable = `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(devicesTable); err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}

	return s.recordMigration(2)
}

// migrateToV3 adds the wake_events table.
func (s *SQLiteStore) migrateToV3() error {
	log.Printf("storage: applying migration to schema version 3")

	// One row per wakeup-source event, so status queries can answer
	// "what woke the machine" after the fact.
	const wakeEventsTable = `
		CREATE TABLE IF NOT EXISTS wake_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_wake_events_at ON wake_events(at);
	`

	if _, err := s.db.Exec(wakeEventsTable); err != nil {
		return fmt.Errorf("create wake_events table: %w", err)
	}

	return s.recordMigration(3)
}

// migrateToV4 adds per-device authorization and command tracking columns.
func (s *SQLiteStore) migrateToV4() error {
	log.Printf("storage: applying migration to schema version 4")

	// scopes records what a paired client may do ("observe" or "control").
	// Devices paired before this migration were all full-control clients,
	// so the backfill default grants control.
	//
	// last_command / last_command_at record the most recent power command
	// the device issued, so `sleepd devices list` can answer "which client
	// put the machine to sleep last night".
	alters := []string{
		`ALTER TABLE devices ADD COLUMN scopes TEXT NOT NULL DEFAULT 'control'`,
		`ALTER TABLE devices ADD COLUMN last_command TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE devices ADD COLUMN last_command_at TEXT NOT NULL DEFAULT ''`,
	}

	for _, stmt := range alters {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("alter devices table: %w", err)
		}
	}

	return s.recordMigration(4)
}
