// Package sqlite provides a session.Backend on a SQLite database file using
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"goa.design/conductor/runtime/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// Backend is a session.Backend over a SQLite database.
type Backend struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Backend, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: chmod db path: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Backend{db: db, now: time.Now}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Read implements session.Backend.
func (b *Backend) Read(ctx context.Context, id string) ([]byte, error) {
	var doc []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE session_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return doc, nil
}

// Write implements session.Backend.
func (b *Backend) Write(ctx context.Context, id string, doc []byte) error {
	if id == "" {
		return errors.New("sqlite: session id is required")
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	data=excluded.data,
	updated_at=excluded.updated_at
`, id, doc, b.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Delete implements session.Backend.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List implements session.Backend.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Name implements health.Pinger.
func (b *Backend) Name() string { return "session-sqlite" }

// Ping implements health.Pinger.
func (b *Backend) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }
