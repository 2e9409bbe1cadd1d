package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionRepository is the durable key/value store of PositionRecords,
// keyed by signal identity.
type PositionRepository interface {
	Get(ctx context.Context, signalID string) (PositionRecord, error)
	Put(ctx context.Context, rec PositionRecord) error
	ListNonTerminal(ctx context.Context) ([]PositionRecord, error)
}

// ClosedPositionLister lists CLOSED records by close time for archiving.
type ClosedPositionLister interface {
	ListClosed(ctx context.Context, opts ListOpts) ([]PositionRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ComplianceCounters are the per-day account counters read before an entry
// and written after a close.
type ComplianceCounters struct {
	Date        string  `json:"date"`
	Trades      int     `json:"trades"`
	Losses      int     `json:"losses"`
	RealizedPnL float64 `json:"realized_pnl"`
	Balance     float64 `json:"balance"`
	PeakBalance float64 `json:"peak_balance"`
}

// CounterStore persists ComplianceCounters per account and trading day.
type CounterStore interface {
	LoadCounters(ctx context.Context, account, date string) (ComplianceCounters, error)
	SaveCounters(ctx context.Context, account string, c ComplianceCounters) error
}

// ComplianceGate decides whether a new position may be opened and records
// the result of every closed one.
type ComplianceGate interface {
	Allow(ctx context.Context, sig TradeSignal, qty int) error
	RecordClose(ctx context.Context, rec PositionRecord) error
}
