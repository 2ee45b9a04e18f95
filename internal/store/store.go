// Package store keeps the durable log of sessions and alerts in SQLite.
// History appended here survives process restarts even though live session
// state does not.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ProctorWatch/internal/alert"
)

// Store wraps the SQLite database holding sessions and alerts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time DATETIME
	);`

	createAlertsTable := `
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		type TEXT,
		transcript TEXT,
		screen_text TEXT,
		timestamp DATETIME,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if _, err := db.Exec(createAlertsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create alerts table: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// SaveSession records a session's existence. Re-saving an existing id is a
// no-op so idempotent session creation never rewrites history.
func (s *Store) SaveSession(ctx context.Context, id string, startTime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, start_time) VALUES (?, ?)",
		id, startTime,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SaveAlert appends one alert to the durable log.
func (s *Store) SaveAlert(ctx context.Context, a alert.Alert) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO alerts (session_id, type, transcript, screen_text, timestamp) VALUES (?, ?, ?, ?, ?)",
		a.SessionID, string(a.Type), a.Transcript, a.Text, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// LoadAlerts returns the stored alerts for a session in insertion order.
func (s *Store) LoadAlerts(ctx context.Context, sessionID string) ([]alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, transcript, screen_text, timestamp FROM alerts WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}
	defer rows.Close()

	alerts := []alert.Alert{}
	for rows.Next() {
		a := alert.Alert{SessionID: sessionID}
		var typ string
		if err := rows.Scan(&typ, &a.Transcript, &a.Text, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Type = alert.Type(typ)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}
	return alerts, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
