// Package storage provides SQLite persistence for transition history,
// wake events and paired control devices. It keeps the record of every
// sleep attempt across daemon restarts so history and statistics
// survive application lifecycle events.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	"database/sql"

	_ "modernc.org/sqlite"
)

// ErrDeviceNotFound is returned when a device lookup fails.
var ErrDeviceNotFound = errors.New("device not found")

// ErrTransitionNotFound is returned when a transition lookup fails.
var ErrTransitionNotFound = errors.New("transition not found")

// SQLiteStore persists the daemon's durable state in SQLite.
// It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// The path should be a file path like "/path/to/sleepd.db".
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	// Open database with foreign keys enabled for referential integrity.
	// The modernc.org/sqlite driver uses _pragma=foreign_keys(1) syntax.
	// We also set a busy_timeout of 5 seconds to handle concurrent access
	// from both the CLI and running daemon (e.g., during device revocation).
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Verify the connection is working.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	// Create tables if they don't exist.
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	// A startup probe catches read-only mounts and permission problems
	// before the first transition tries to record itself.
	totals, err := store.Totals()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("probe database: %w", err)
	}

	log.Printf("storage: database ready (schema version %d, %d transitions recorded, %d ok, %d failed)",
		currentSchemaVersion, totals.Transitions, totals.Succeeded, totals.Failed)
	return store, nil
}

// Totals aggregates the persisted history. The daemon logs it at
// startup and the status endpoint reports it.
type Totals struct {
	Transitions int `json:"transitions"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	WakeEvents  int `json:"wake_events"`
	Devices     int `json:"devices"`
}

// Totals counts the persisted rows per table and outcome.
func (s *SQLiteStore) Totals() (*Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Totals
	const query = `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0)
		FROM transitions
	`
	if err := s.db.QueryRow(query).Scan(&t.Transitions, &t.Succeeded, &t.Failed); err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM wake_events").Scan(&t.WakeEvents); err != nil {
		return nil, fmt.Errorf("count wake events: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&t.Devices); err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	return &t, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}
