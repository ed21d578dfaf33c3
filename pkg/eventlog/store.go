// Package eventlog provides the durable SQLite-backed event log that lets
// dashboard clients catch up on events published while they were away.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"issuepilot/pkg/bus"
	"issuepilot/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	data       TEXT,
	timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// Store persists published events and serves timestamp-based catch-up
// queries. It implements bus.DurableLog.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open creates or opens the event database at dbPath with WAL mode and a
// busy timeout, and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping event database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:     db,
		logger: logx.NewLogger("eventlog"),
	}, nil
}

// Append writes one event. Timestamps are stored as RFC3339Nano UTC so that
// lexicographic comparison matches chronological order.
func (s *Store) Append(event bus.Event) error {
	var data []byte
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to serialize event data: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO events (id, type, data, timestamp) VALUES (?, ?, ?, ?)`,
		event.ID, event.Type, string(data), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
	}

	return nil
}

// EventsSince returns all events strictly after ts, oldest first.
func (s *Store) EventsSince(ts time.Time) ([]bus.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, type, data, timestamp FROM events WHERE timestamp > ? ORDER BY timestamp ASC`,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []bus.Event
	for rows.Next() {
		var (
			event   bus.Event
			data    sql.NullString
			rawTime string
		)
		if err := rows.Scan(&event.ID, &event.Type, &data, &rawTime); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				// A single bad row should not poison catch-up.
				s.logger.Warn("skipping undecodable data for event %s: %v", event.ID, err)
			}
		}

		parsed, err := time.Parse(time.RFC3339Nano, rawTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp %q: %w", rawTime, err)
		}
		event.Timestamp = parsed

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}

	return events, nil
}

// Count returns the total number of persisted events.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close event database: %w", err)
	}
	return nil
}
