// Package sqlite stores position records in an embedded SQLite database
// through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	signal_id  TEXT PRIMARY KEY,
	setup_id   TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	record     TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	closed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status, created_at);
CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions (closed_at);
`

// PositionStore implements domain.PositionRepository backed by SQLite.
// Timestamps are stored as unix nanoseconds so they sort numerically.
type PositionStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*PositionStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent puts.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: init %s: %w", path, err)
		}
	}
	return &PositionStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PositionStore) Close() error {
	return s.db.Close()
}

// Get returns the record for signalID or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, signalID string) (domain.PositionRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM positions WHERE signal_id = ?`, signalID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PositionRecord{}, fmt.Errorf("sqlite: position %s: %w", signalID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("sqlite: get position %s: %w", signalID, err)
	}
	return decode(raw)
}

// Put inserts rec or replaces the stored copy. A CLOSED row is final and a
// row with a later updated_at is kept, so a snapshot written late by another
// goroutine cannot roll the record back.
func (s *PositionStore) Put(ctx context.Context, rec domain.PositionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlite: marshal position %s: %w", rec.SignalID, err)
	}
	var closedAt sql.NullInt64
	if rec.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: rec.ClosedAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (signal_id, setup_id, status, record, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (signal_id) DO UPDATE SET
			status     = excluded.status,
			record     = excluded.record,
			updated_at = excluded.updated_at,
			closed_at  = excluded.closed_at
		WHERE positions.status <> 'CLOSED' AND positions.updated_at <= excluded.updated_at`,
		rec.SignalID, rec.SetupID, string(rec.Status), string(raw),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), closedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put position %s: %w", rec.SignalID, err)
	}
	return nil
}

// ListNonTerminal returns every record that is not CLOSED, oldest first.
func (s *PositionStore) ListNonTerminal(ctx context.Context) ([]domain.PositionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM positions WHERE status <> ? ORDER BY created_at, signal_id`,
		string(domain.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open positions: %w", err)
	}
	return scan(rows)
}

// ListClosed returns CLOSED records ordered by close time.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	query := `SELECT record FROM positions WHERE status = ?`
	args := []any{string(domain.StatusClosed)}
	if opts.Since != nil {
		query += ` AND closed_at >= ?`
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += ` AND closed_at <= ?`
		args = append(args, opts.Until.UnixNano())
	}
	query += ` ORDER BY closed_at, signal_id LIMIT ? OFFSET ?`
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list closed positions: %w", err)
	}
	return scan(rows)
}

// Prune deletes CLOSED records that closed before cutoff and returns how
// many were removed.
func (s *PositionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE status = ? AND closed_at < ?`,
		string(domain.StatusClosed), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune positions: %w", err)
	}
	return res.RowsAffected()
}

func scan(rows *sql.Rows) ([]domain.PositionRecord, error) {
	defer rows.Close()
	var out []domain.PositionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: position rows: %w", err)
	}
	return out, nil
}

func decode(raw string) (domain.PositionRecord, error) {
	var rec domain.PositionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("sqlite: unmarshal position: %w", err)
	}
	return rec, nil
}

var (
	_ domain.PositionRepository   = (*PositionStore)(nil)
	_ domain.ClosedPositionLister = (*PositionStore)(nil)
)
