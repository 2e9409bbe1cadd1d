package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/metrics"
)

// ForceFlatten cancels every working leg of signalID, closes any open
// quantity with a market order and marks the record CLOSED with reason. It is
// a no-op for unknown or CLOSED records. A PENDING_ENTRY record is settled
// against the broker first: its market entry has usually filled before the
// poller reports it. A stop that fills at the broker while the market order
// is in flight can over-exit; that race is not guarded.
func (t *Tracker) ForceFlatten(ctx context.Context, signalID, reason string) error {
	lock := t.active.opLock(signalID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := t.active.Snapshot(signalID)
	if !ok || snap.Closed() {
		return nil
	}
	if snap.Status == domain.StatusPendingEntry {
		snap = t.settleEntry(ctx, snap)
	}

	cancelled := t.cancelLegs(ctx, signalID, snap.WorkingLegs())

	var (
		exits      []domain.OrderLeg
		flattenErr error
	)
	if qty := snap.OpenQuantity(); qty > 0 {
		id, err := t.gateway.Place(ctx, domain.OrderRequest{
			Account:     snap.Account,
			Symbol:      snap.Symbol,
			Side:        snap.Direction.ExitSide(),
			Type:        domain.OrderTypeMarket,
			Quantity:    qty,
			TimeInForce: domain.TimeInForceDay,
			Tag:         signalID,
		})
		if err != nil {
			perr := &domain.PlacementError{
				Kind:     domain.FlattenFailed,
				SignalID: signalID,
				Role:     domain.LegFlatten,
				Err:      fmt.Errorf("flatten %d contracts: %w", qty, err),
			}
			t.raise(ctx, perr)
			flattenErr = perr
		} else {
			leg := domain.OrderLeg{
				Role:      domain.LegFlatten,
				OrderID:   id,
				Quantity:  qty,
				Status:    domain.FillFilled,
				FillPrice: t.mark(ctx, snap.Symbol),
			}
			exits = append(exits, leg)
			t.logger.InfoContext(ctx, "flatten order placed",
				slog.String("signal_id", signalID),
				slog.String("order_id", id),
				slog.Int("quantity", qty),
			)
		}
	}

	t.finish(ctx, signalID, reason, cancelled, exits...)
	return flattenErr
}

// settleEntry brings a PENDING_ENTRY record up to date with the broker
// before it is flattened and returns the settled snapshot. Fills found in the
// ledger are applied. Without a ledger the entry is cancelled directly, and a
// cancel refused for any reason other than an unknown order means the entry
// has already filled.
func (t *Tracker) settleEntry(ctx context.Context, snap domain.PositionRecord) domain.PositionRecord {
	entry := snap.Leg(domain.LegEntry)
	if entry == nil || !entry.Working() {
		return snap
	}
	entryID := entry.OrderID

	var apply func(rec *domain.PositionRecord) bool
	reports, err := t.gateway.ListOpenOrders(ctx, snap.Account)
	if err == nil {
		ledger := make(map[string]domain.OrderReport, len(reports))
		for _, r := range reports {
			ledger[r.OrderID] = r
		}
		apply = func(rec *domain.PositionRecord) bool { return applyLedger(rec, ledger) }
	} else {
		metrics.PollErrors.Inc()
		cerr := t.gateway.Cancel(ctx, entryID)
		switch {
		case cerr == nil || errors.Is(cerr, domain.ErrNotFound):
			apply = func(rec *domain.PositionRecord) bool {
				leg := rec.LegByOrderID(entryID)
				if leg == nil || leg.Status != domain.FillUnfilled {
					return false
				}
				leg.Status = domain.FillCancelled
				return true
			}
		default:
			t.logger.WarnContext(ctx, "entry cancel refused, flattening as filled",
				slog.String("signal_id", snap.SignalID),
				slog.String("order_id", entryID),
				slog.String("ledger_error", err.Error()),
				slog.String("error", cerr.Error()),
			)
			apply = func(rec *domain.PositionRecord) bool {
				markEntryFilled(rec)
				return true
			}
		}
	}

	rec, changed, err := t.mutate(snap.SignalID, apply)
	if err != nil || !changed {
		return snap
	}
	if rec.Status == domain.StatusFilled {
		t.logger.InfoContext(ctx, "entry fill settled before flatten",
			slog.String("signal_id", rec.SignalID),
			slog.String("order_id", entryID),
		)
	}
	return rec
}

// applyLedger applies every terminal report of a working leg of rec. Target
// fills shrink the stop quantity and any exit fill implies the entry fill.
func applyLedger(rec *domain.PositionRecord, ledger map[string]domain.OrderReport) bool {
	changed, exitFilled := false, false
	for i := range rec.Legs {
		l := &rec.Legs[i]
		rep, ok := ledger[l.OrderID]
		if !ok || !l.Working() {
			continue
		}
		switch rep.Status {
		case domain.BrokerStatusFilled:
			l.Status = domain.FillFilled
			if rep.FilledPrice > 0 {
				p := rep.FilledPrice
				l.FillPrice = &p
			}
			switch {
			case l.Role == domain.LegEntry:
				rec.Status = domain.StatusFilled
				rec.EntryFillPrice = clone(l.FillPrice)
			case l.Role.IsTarget():
				rec.StopQuantity = max(rec.StopQuantity-l.Quantity, 0)
				exitFilled = true
			default:
				exitFilled = true
			}
		case domain.BrokerStatusCancelled:
			l.Status = domain.FillCancelled
		case domain.BrokerStatusRejected:
			l.Status = domain.FillRejected
		default:
			continue
		}
		changed = true
	}
	if exitFilled {
		markEntryFilled(rec)
	}
	return changed
}

func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// mark returns the last cached price of symbol, or nil when none is known.
func (t *Tracker) mark(ctx context.Context, symbol string) *float64 {
	if t.prices == nil {
		return nil
	}
	price, _, err := t.prices.GetPrice(ctx, symbol)
	if err != nil || price <= 0 {
		t.logger.WarnContext(ctx, "flatten order left unpriced, no mark",
			slog.String("symbol", symbol),
		)
		return nil
	}
	return &price
}

// HandleOutcome flattens the position of a signal whose outcome arrived from
// the outcome feed.
func (t *Tracker) HandleOutcome(ctx context.Context, ev domain.OutcomeEvent) error {
	if !ev.Outcome.Valid() {
		return fmt.Errorf("tracker: outcome %s: %w: %q", ev.SignalID, domain.ErrInvalidOrder, ev.Outcome)
	}
	return t.ForceFlatten(ctx, ev.SignalID, "outcome_"+string(ev.Outcome))
}

// FlattenAll flattens every tracked record and returns the number closed.
func (t *Tracker) FlattenAll(ctx context.Context, reason string) (int, error) {
	var firstErr error
	n := 0
	for _, rec := range t.active.Active() {
		if err := t.ForceFlatten(ctx, rec.SignalID, reason); err != nil && firstErr == nil {
			firstErr = err
		}
		n++
	}
	return n, firstErr
}
