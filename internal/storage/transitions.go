package storage

// transitions.go contains SQLiteStore methods for the transition
// history. One row is written per sleep attempt, successful or not.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Transition outcomes as stored in the outcome column.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// maxTransitions is the maximum number of history rows to retain.
// Older rows are deleted when this limit is exceeded.
const maxTransitions = 1000

// Transition is one recorded sleep attempt.
type Transition struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	Outcome    string        `json:"outcome"`
	FailedStep string        `json:"failed_step,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ms"`
}

// SaveTransition persists one attempt and enforces retention.
func (s *SQLiteStore) SaveTransition(tr *Transition) error {
	if tr == nil {
		return errors.New("transition cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving transition %s (state=%s, outcome=%s)", tr.ID, tr.State, tr.Outcome)

	const query = `
		INSERT INTO transitions
			(id, state, outcome, failed_step, error_code, error, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		tr.ID,
		tr.State,
		tr.Outcome,
		tr.FailedStep,
		tr.ErrorCode,
		tr.Error,
		tr.StartedAt.Format(time.RFC3339Nano),
		tr.FinishedAt.Format(time.RFC3339Nano),
		tr.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save transition: %w", err)
	}

	// Enforce retention: delete oldest rows beyond the limit.
	// Uses a subquery to select rows to delete (all beyond the first
	// maxTransitions by started_at).
	const cleanupQuery = `
		DELETE FROM transitions WHERE id IN (
			SELECT id FROM transitions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxTransitions); err != nil {
		return fmt.Errorf("enforce transition retention: %w", err)
	}

	return nil
}

// GetTransition retrieves one attempt by ID.
// Returns nil, nil if the transition does not exist.
func (s *SQLiteStore) GetTransition(id string) (*Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, state, outcome, failed_step, error_code, error, started_at, finished_at, duration_ms
		FROM transitions
		WHERE id = ?
	`

	tr, err := scanTransition(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transition: %w", err)
	}

	return tr, nil
}

// ListTransitions returns recent attempts, newest first.
// The limit parameter controls how many rows to return (0 = default limit).
func (s *SQLiteStore) ListTransitions(limit int) ([]*Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, state, outcome, failed_step, error_code, error, started_at, finished_at, duration_ms
		FROM transitions
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}

	return transitions, nil
}

// LastFailure returns the most recent failed attempt.
// Returns nil, nil when no attempt has failed yet.
func (s *SQLiteStore) LastFailure() (*Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, state, outcome, failed_step, error_code, error, started_at, finished_at, duration_ms
		FROM transitions
		WHERE outcome = 'failed'
		ORDER BY started_at DESC
		LIMIT 1
	`

	tr, err := scanTransition(s.db.QueryRow(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last failure: %w", err)
	}

	return tr, nil
}

// scanner abstracts sql.Row and sql.Rows for the shared scan path.
type scanner interface {
	Scan(dest ...any) error
}

// scanTransition scans one row into a Transition.
func scanTransition(row scanner) (*Transition, error) {
	var (
		tr         Transition
		startedAt  string
		finishedAt string
		durationMs int64
	)

	err := row.Scan(
		&tr.ID,
		&tr.State,
		&tr.Outcome,
		&tr.FailedStep,
		&tr.ErrorCode,
		&tr.Error,
		&startedAt,
		&finishedAt,
		&durationMs,
	)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	tr.StartedAt = t

	t, err = time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	tr.FinishedAt = t

	tr.Duration = time.Duration(durationMs) * time.Millisecond
	return &tr, nil
}
