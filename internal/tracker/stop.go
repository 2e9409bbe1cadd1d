package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// MoveStop replaces the working stop of a FILLED record at price, rounded to
// the tick. Moves smaller than one tick are skipped. A failed replace leaves
// the old stop governing and is escalated. It reports whether the stop moved.
func (t *Tracker) MoveStop(ctx context.Context, signalID string, price float64) (bool, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false, fmt.Errorf("tracker: move stop %s: %w: price %v", signalID, domain.ErrInvalidOrder, price)
	}

	lock := t.active.opLock(signalID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := t.active.Snapshot(signalID)
	if !ok {
		return false, fmt.Errorf("tracker: move stop %s: %w", signalID, domain.ErrNotFound)
	}
	if snap.Status != domain.StatusFilled {
		return false, fmt.Errorf("tracker: move stop %s: %w: status %s", signalID, domain.ErrNotFilled, snap.Status)
	}
	stop := snap.Leg(domain.LegStop)
	if stop == nil || !stop.Working() {
		return false, fmt.Errorf("tracker: move stop %s: %w: no working stop", signalID, domain.ErrNotFound)
	}

	target := domain.RoundToTick(price, t.cfg.TickSize)
	if math.Abs(target-stop.Price) < t.cfg.TickSize {
		return false, nil
	}

	oldID := stop.OrderID
	newID, err := t.gateway.Replace(ctx, oldID, domain.ReplaceRequest{
		Type:     domain.OrderTypeStopMarket,
		Quantity: snap.StopQuantity,
		Price:    target,
	})
	if err != nil {
		perr := &domain.PlacementError{
			Kind:     domain.ReplaceFailed,
			SignalID: signalID,
			Role:     domain.LegStop,
			Err:      fmt.Errorf("move stop %s from %.2f to %.2f: %w", oldID, stop.Price, target, err),
		}
		t.raise(ctx, perr)
		return false, perr
	}

	rec, changed, err := t.mutate(signalID, func(rec *domain.PositionRecord) bool {
		leg := rec.LegByOrderID(oldID)
		if leg == nil || leg.Status != domain.FillUnfilled {
			return false
		}
		leg.OrderID = newID
		leg.Price = target
		rec.StopPrice = target
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	t.persist(ctx, rec)
	t.logger.InfoContext(ctx, "stop moved",
		slog.String("signal_id", signalID),
		slog.String("order_id", newID),
		slog.Float64("from", stop.Price),
		slog.Float64("to", target),
	)
	t.emit(ctx, domain.EventStopMoved, rec)
	return true, nil
}
