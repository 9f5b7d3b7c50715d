// ABOUTME: SQLite implementation of the session index using modernc.org/sqlite
// ABOUTME: with automatic schema creation and WAL mode.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the session index at path. Parent
// directories are created as needed; ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session index initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_app ON sessions(app_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertSession inserts or replaces one index row.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, app_id, name, created_at, last_activity_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_activity_at = excluded.last_activity_at,
			message_count = excluded.message_count`,
		rec.Key, rec.AppID, rec.Name, rec.CreatedAt, rec.LastActivityAt, rec.MessageCount)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", rec.Key, err)
	}
	return nil
}

// TouchSession updates activity metadata for an existing row.
func (s *SQLiteStore) TouchSession(ctx context.Context, key string, at time.Time, messageCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, message_count = ? WHERE key = ?`,
		at, messageCount, key)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", key, err)
	}
	return nil
}

// DeleteSession removes one index row; deleting a missing row is a no-op.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}

// ListSessions returns all index rows ordered by key.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, app_id, name, created_at, last_activity_at, message_count
		FROM sessions ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		if err := rows.Scan(&rec.Key, &rec.AppID, &rec.Name, &rec.CreatedAt, &rec.LastActivityAt, &rec.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
