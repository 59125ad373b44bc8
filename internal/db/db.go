// Package db persists the session registry in SQLite so conversations
// survive gateway restarts.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the SQLite registry database.
type DB struct {
	conn *sql.DB
}

// SessionRecord is one persisted session-registry entry.
type SessionRecord struct {
	Key      string
	UUID     string
	Identity string
	LastUsed time.Time
}

// Open creates a DB connection and applies all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// UpsertSession inserts or replaces the registry entry for a session key.
func (d *DB) UpsertSession(rec SessionRecord) error {
	_, err := d.conn.Exec(
		`INSERT INTO sessions (key, uuid, identity, last_used) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET uuid=excluded.uuid, identity=excluded.identity, last_used=excluded.last_used`,
		rec.Key, rec.UUID, rec.Identity, rec.LastUsed.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.Key, err)
	}
	return nil
}

// DeleteSession removes the registry entry for a session key.
func (d *DB) DeleteSession(key string) error {
	if _, err := d.conn.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// ListSessions returns all persisted registry entries.
func (d *DB) ListSessions() ([]SessionRecord, error) {
	rows, err := d.conn.Query(`SELECT key, uuid, identity, last_used FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var lastUsed string
		if err := rows.Scan(&rec.Key, &rec.UUID, &rec.Identity, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, lastUsed); err == nil {
			rec.LastUsed = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
