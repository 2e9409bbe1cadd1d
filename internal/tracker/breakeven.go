package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// CheckBreakeven moves the stop of a FILLED record to its entry fill price
// once the favorable excursion at price exceeds the trigger. The move happens
// at most once; a failed replace leaves the flag unset so a later check
// retries it. It reports whether the flag was set by this call.
func (t *Tracker) CheckBreakeven(ctx context.Context, signalID string, price float64) (bool, error) {
	snap, ok := t.active.Snapshot(signalID)
	if !ok {
		return false, fmt.Errorf("tracker: breakeven %s: %w", signalID, domain.ErrNotFound)
	}
	if !t.breakevenDue(snap, price) {
		return false, nil
	}

	lock := t.active.opLock(signalID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok = t.active.Snapshot(signalID)
	if !ok || !t.breakevenDue(snap, price) {
		return false, nil
	}
	target := domain.RoundToTick(*snap.EntryFillPrice, t.cfg.TickSize)
	stop := snap.Leg(domain.LegStop)
	if stop == nil || !stop.Working() {
		return false, nil
	}

	// A stop already trailed to or past the entry is not pulled back.
	newID := stop.OrderID
	if (target-stop.Price)*snap.Direction.Sign() >= t.cfg.TickSize {
		id, err := t.gateway.Replace(ctx, stop.OrderID, domain.ReplaceRequest{
			Type:     domain.OrderTypeStopMarket,
			Quantity: snap.StopQuantity,
			Price:    target,
		})
		if err != nil {
			perr := &domain.PlacementError{
				Kind:     domain.ReplaceFailed,
				SignalID: signalID,
				Role:     domain.LegStop,
				Err:      fmt.Errorf("move stop %s to breakeven %.2f: %w", stop.OrderID, target, err),
			}
			t.raise(ctx, perr)
			return false, perr
		}
		newID = id
	}

	oldID := stop.OrderID
	rec, changed, err := t.mutate(signalID, func(rec *domain.PositionRecord) bool {
		if rec.BreakevenApplied {
			return false
		}
		rec.BreakevenApplied = true
		if newID == oldID {
			return true
		}
		if leg := rec.LegByOrderID(oldID); leg != nil {
			leg.OrderID = newID
			leg.Price = target
		}
		rec.StopPrice = target
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	t.persist(ctx, rec)
	t.logger.InfoContext(ctx, "stop moved to breakeven",
		slog.String("signal_id", signalID),
		slog.Float64("stop_price", target),
		slog.Float64("mark", price),
	)
	t.emit(ctx, domain.EventStopMoved, rec)
	return true, nil
}

func (t *Tracker) breakevenDue(rec domain.PositionRecord, price float64) bool {
	if rec.Status != domain.StatusFilled || rec.BreakevenApplied || rec.EntryFillPrice == nil {
		return false
	}
	excursion := (price - *rec.EntryFillPrice) * rec.Direction.Sign()
	return excursion > t.cfg.BreakevenTrigger
}

// CheckAllBreakeven runs CheckBreakeven for every FILLED record on symbol.
func (t *Tracker) CheckAllBreakeven(ctx context.Context, symbol string, price float64) error {
	var errs []error
	for _, rec := range t.active.Active() {
		if rec.Status != domain.StatusFilled || rec.Symbol != symbol {
			continue
		}
		if _, err := t.CheckBreakeven(ctx, rec.SignalID, price); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
