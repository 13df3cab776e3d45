package cache

import (
	"context"
	"fmt"
	"time"
)

// SyncEntry is one row of the sync journal.
type SyncEntry struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	Trigger    string    `json:"trigger"`
	Result     string    `json:"result"`
	DocumentID string    `json:"document_id,omitempty"`
	Version    string    `json:"version,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RecordSync appends an entry to the journal and trims it to the newest
// maxJournal rows.
func (db *DB) RecordSync(ctx context.Context, e SyncEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Trigger == "" {
		return fmt.Errorf("sync entry requires a trigger")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_log (at, trigger, result, document_id, version, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.At.UTC().Format(time.RFC3339Nano), e.Trigger, e.Result, e.DocumentID, e.Version, e.Error)
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM sync_log WHERE id NOT IN (
			SELECT id FROM sync_log ORDER BY id DESC LIMIT ?
		)
	`, maxJournal)
	if err != nil {
		return fmt.Errorf("failed to trim sync journal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// maxJournal bounds the number of retained journal rows.
const maxJournal = 500

// RecentSyncs returns up to limit journal entries, newest first.
func (db *DB) RecentSyncs(ctx context.Context, limit int) ([]SyncEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, at, trigger, result, COALESCE(document_id, ''), COALESCE(version, ''), COALESCE(error, '')
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync journal: %w", err)
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		var (
			e  SyncEntry
			at string
		)
		if err := rows.Scan(&e.ID, &at, &e.Trigger, &e.Result, &e.DocumentID, &e.Version, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync entry: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sync time %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync journal: %w", err)
	}
	return entries, nil
}
