// Package cache provides the local offline store for marksync.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode) holding
// two things:
//   - a key/value table; the orchestrator keeps its whole state under one key
//   - a sync journal recording the outcome of every sync
//
// Nothing in the cache is authoritative. It lets the CLI start from the last
// known tree without a network round trip and lets a later process notice
// remote changes made while it was not running.
//
// Layout:
//   - Database file: ~/.marksync/cache.db
//   - Tables: kv, sync_log
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MirrorKey is the key the orchestrator state is stored under.
const MirrorKey = "orchestrator.snapshot"

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache at path and initializes the schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	// A CLI process needs very few connections.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		trigger TEXT NOT NULL,
		result TEXT NOT NULL,
		document_id TEXT,
		version TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_at ON sync_log(at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ===== Key/value =====

// Put stores value under key, replacing any previous value.
func (db *DB) Put(key string, value []byte) error {
	return db.PutContext(context.Background(), key, value)
}

// PutContext stores value under key with context support.
func (db *DB) PutContext(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		value = []byte{}
	}

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key, or nil if there is none.
func (db *DB) Get(key string) ([]byte, error) {
	return db.GetContext(context.Background(), key)
}

// GetContext returns the value stored under key with context support.
func (db *DB) GetContext(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return value, nil
}

// Delete removes key. Returns nil if the key doesn't exist (idempotent).
func (db *DB) Delete(key string) error {
	return db.DeleteContext(context.Background(), key)
}

// DeleteContext removes key with context support.
func (db *DB) DeleteContext(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// UpdatedAt returns when key was last written, or the zero time if it doesn't exist.
func (db *DB) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var s string
	err := db.conn.QueryRowContext(ctx, `SELECT updated_at FROM kv WHERE key = ?`, key).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read timestamp of %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp of %s: %w", key, err)
	}
	return t, nil
}

// ===== Mirror =====

// Mirror stores a single value under a fixed key.
type Mirror struct {
	db  *DB
	key string
}

// NewMirror returns a mirror over key (MirrorKey when empty).
func NewMirror(db *DB, key string) *Mirror {
	if key == "" {
		key = MirrorKey
	}
	return &Mirror{db: db, key: key}
}

// Load returns the stored bytes, or nil if nothing has been stored.
func (m *Mirror) Load(ctx context.Context) ([]byte, error) {
	return m.db.GetContext(ctx, m.key)
}

// Save replaces the stored bytes.
func (m *Mirror) Save(ctx context.Context, data []byte) error {
	return m.db.PutContext(ctx, m.key, data)
}
