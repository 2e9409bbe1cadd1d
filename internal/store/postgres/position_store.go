package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// upsertPosition never replaces a CLOSED row or a row updated later than
// the incoming one.
const upsertPosition = `
	INSERT INTO positions (signal_id, setup_id, account, symbol, status, record, created_at, updated_at, closed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (signal_id) DO UPDATE SET
		status     = EXCLUDED.status,
		record     = EXCLUDED.record,
		updated_at = EXCLUDED.updated_at,
		closed_at  = EXCLUDED.closed_at
	WHERE positions.status <> 'CLOSED' AND positions.updated_at <= EXCLUDED.updated_at`

// PositionStore implements domain.PositionRepository. The full record is
// kept as JSONB; status and timestamps are copied into columns for indexing.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Get returns the record for signalID or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, signalID string) (domain.PositionRecord, error) {
	const query = `SELECT record FROM positions WHERE signal_id = $1`
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, signalID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, fmt.Errorf("postgres: position %s: %w", signalID, domain.ErrNotFound)
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get position %s: %w", signalID, err)
	}
	return decodeRecord(raw)
}

// Put upserts rec. A stale snapshot never overwrites a newer one.
func (s *PositionStore) Put(ctx context.Context, rec domain.PositionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", rec.SignalID, err)
	}
	_, err = s.pool.Exec(ctx, upsertPosition,
		rec.SignalID, rec.SetupID, rec.Account, rec.Symbol, string(rec.Status),
		raw, rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put position %s: %w", rec.SignalID, err)
	}
	return nil
}

// ListNonTerminal returns every record that is not CLOSED, oldest first.
func (s *PositionStore) ListNonTerminal(ctx context.Context) ([]domain.PositionRecord, error) {
	const query = `SELECT record FROM positions WHERE status <> $1 ORDER BY created_at, signal_id`
	rows, err := s.pool.Query(ctx, query, string(domain.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return scanRecords(rows)
}

// ListClosed returns CLOSED records ordered by close time.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	where, args := timeRange("closed_at", opts, []any{string(domain.StatusClosed)})
	query := `SELECT record FROM positions WHERE status = $1` + where + ` ORDER BY closed_at, signal_id`
	query, args = paginate(query, opts, args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return scanRecords(rows)
}

// Prune deletes CLOSED records that closed before cutoff.
func (s *PositionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM positions WHERE status = $1 AND closed_at < $2`
	tag, err := s.pool.Exec(ctx, query, string(domain.StatusClosed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecords(rows pgx.Rows) ([]domain.PositionRecord, error) {
	defer rows.Close()
	var out []domain.PositionRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

func decodeRecord(raw []byte) (domain.PositionRecord, error) {
	var rec domain.PositionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("postgres: unmarshal position: %w", err)
	}
	return rec, nil
}

// timeRange appends Since/Until filters on col, numbering placeholders after
// the existing args.
func timeRange(col string, opts domain.ListOpts, args []any) (string, []any) {
	where := ""
	if opts.Since != nil {
		args = append(args, *opts.Since)
		where += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		where += fmt.Sprintf(" AND %s <= $%d", col, len(args))
	}
	return where, args
}

// paginate appends LIMIT and OFFSET clauses.
func paginate(query string, opts domain.ListOpts, args []any) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

var (
	_ domain.PositionRepository   = (*PositionStore)(nil)
	_ domain.ClosedPositionLister = (*PositionStore)(nil)
)
