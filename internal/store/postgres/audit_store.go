package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an audit entry. detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`
	_, err = s.pool.Exec(ctx, query, event, detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	where, args := timeRange("created_at", opts, nil)
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE TRUE` + where + ` ORDER BY created_at DESC, id DESC`
	query, args = paginate(query, opts, args)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte

		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}

		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

// Hook is a tracker event hook that records every position transition.
func (s *AuditStore) Hook(ctx context.Context, ev domain.PositionEvent) {
	detail := map[string]any{
		"signal_id": ev.Record.SignalID,
		"setup_id":  ev.Record.SetupID,
		"status":    string(ev.Record.Status),
		"stop":      ev.Record.StopPrice,
		"stop_qty":  ev.Record.StopQuantity,
	}
	if ev.Record.CloseReason != "" {
		detail["close_reason"] = ev.Record.CloseReason
	}
	if ev.Record.EscalationReason != "" {
		detail["escalation"] = ev.Record.EscalationReason
	}
	// Best effort: the position store stays the source of truth.
	_ = s.Log(ctx, string(ev.Type), detail)
}

var _ domain.AuditStore = (*AuditStore)(nil)
