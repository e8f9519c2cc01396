package storage

// wake_events.go contains SQLiteStore methods for the wake-event log,
// which answers "what woke the machine" after the fact.

import (
	"errors"
	"fmt"
	"time"
)

// maxWakeEvents is the maximum number of wake events to retain.
const maxWakeEvents = 500

// WakeEvent is one recorded wakeup-source event.
type WakeEvent struct {
	ID     int64     `json:"id"`
	Source string    `json:"source"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// SaveWakeEvent appends one event and enforces retention.
func (s *SQLiteStore) SaveWakeEvent(ev *WakeEvent) error {
	if ev == nil {
		return errors.New("wake event cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `INSERT INTO wake_events (source, reason, at) VALUES (?, ?, ?)`

	result, err := s.db.Exec(query, ev.Source, ev.Reason, ev.At.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save wake event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		ev.ID = id
	}

	const cleanupQuery = `
		DELETE FROM wake_events WHERE id IN (
			SELECT id FROM wake_events ORDER BY at DESC, id DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxWakeEvents); err != nil {
		return fmt.Errorf("enforce wake event retention: %w", err)
	}

	return nil
}

// ListWakeEvents returns recent events, newest first.
// The limit parameter controls how many rows to return (0 = default limit).
func (s *SQLiteStore) ListWakeEvents(limit int) ([]*WakeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, source, reason, at
		FROM wake_events
		ORDER BY at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list wake events: %w", err)
	}
	defer rows.Close()

	var events []*WakeEvent
	for rows.Next() {
		var (
			ev WakeEvent
			at string
		)
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan wake event: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse at: %w", err)
		}
		ev.At = t
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wake event rows: %w", err)
	}

	return events, nil
}
