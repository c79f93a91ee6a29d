package gml

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const dedupeSchema = `
CREATE TABLE IF NOT EXISTS mutations (
	mutation_id TEXT PRIMARY KEY,
	inserted_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mutations_inserted ON mutations (inserted_ts);
`

// DedupeStore is the persistent mutation-id set that makes replay safe.
// It is a single sqlite table; the id is the whole story.
type DedupeStore struct {
	db *sql.DB
}

// OpenDedupe opens (or creates) the dedupe database. Use ":memory:" in
// tests.
func OpenDedupe(path string) (*DedupeStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dedupe db: %w", err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(dedupeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init dedupe schema: %w", err)
	}
	return &DedupeStore{db: db}, nil
}

// Seen reports whether the mutation id was already applied.
func (s *DedupeStore) Seen(ctx context.Context, mutationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM mutations WHERE mutation_id = ?`, mutationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert records an applied mutation id. Inserting the same id twice is
// a no-op.
func (s *DedupeStore) Insert(ctx context.Context, mutationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mutations (mutation_id, inserted_ts) VALUES (?, ?)`,
		mutationID, time.Now().Unix())
	return err
}

// Prune drops ids older than maxAge and returns how many were removed.
// Run from the housekeeping queue; the log keeps the full history.
func (s *DedupeStore) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE inserted_ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored mutation ids.
func (s *DedupeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *DedupeStore) Close() error { return s.db.Close() }
