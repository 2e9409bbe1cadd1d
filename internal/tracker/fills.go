package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/metrics"
)

type followUp int

const (
	followNone followUp = iota
	followResizeStop
	followClose
)

// OnFillObserved applies a broker-reported fill of orderID. Reports for legs
// already filled, for CLOSED records, or for orders the tracker does not own
// change nothing, so the poller may report the same fill every cycle.
func (t *Tracker) OnFillObserved(ctx context.Context, orderID string, fillPrice float64, fillQty int) error {
	signalID, ok := t.active.Lookup(orderID)
	if !ok {
		return fmt.Errorf("tracker: fill %s: %w", orderID, domain.ErrUnknownOrder)
	}

	var (
		role domain.LegRole
		next = followNone
	)
	rec, changed, err := t.mutate(signalID, func(rec *domain.PositionRecord) bool {
		if rec.Closed() {
			return false
		}
		leg := rec.LegByOrderID(orderID)
		if leg == nil || leg.Status != domain.FillUnfilled {
			return false
		}
		role = leg.Role
		leg.Status = domain.FillFilled
		if fillPrice > 0 {
			p := fillPrice
			leg.FillPrice = &p
		}

		switch {
		case role == domain.LegEntry:
			rec.Status = domain.StatusFilled
			if fillPrice > 0 {
				p := fillPrice
				rec.EntryFillPrice = &p
			}
		case role.IsTarget():
			markEntryFilled(rec)
			rec.StopQuantity -= leg.Quantity
			if rec.StopQuantity <= 0 {
				rec.StopQuantity = 0
				next = followClose
			} else {
				next = followResizeStop
			}
		case role == domain.LegStop:
			markEntryFilled(rec)
			next = followClose
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("tracker: fill %s: %w", orderID, err)
	}
	if !changed {
		return nil
	}

	metrics.Fills.WithLabelValues(string(role)).Inc()
	t.logger.InfoContext(ctx, "fill observed",
		slog.String("signal_id", signalID),
		slog.String("leg", string(role)),
		slog.String("order_id", orderID),
		slog.Float64("price", fillPrice),
		slog.Int("quantity", fillQty),
	)

	switch next {
	case followClose:
		reason := "stop_filled"
		if role.IsTarget() {
			reason = "targets_filled"
		}
		t.closeOut(ctx, signalID, reason)
	case followResizeStop:
		t.persist(ctx, rec)
		t.emit(ctx, domain.EventTargetFilled, rec)
		t.resizeStop(ctx, signalID)
	default:
		t.persist(ctx, rec)
		t.emit(ctx, domain.EventEntryFilled, rec)
	}
	return nil
}

// markEntryFilled records an implied entry fill: an exit leg cannot fill
// before the entry did, even when the poller never saw the entry report.
func markEntryFilled(rec *domain.PositionRecord) {
	if rec.Status == domain.StatusPendingEntry {
		rec.Status = domain.StatusFilled
	}
	if entry := rec.Leg(domain.LegEntry); entry != nil && entry.Status == domain.FillUnfilled {
		entry.Status = domain.FillFilled
	}
}

// resizeStop shrinks the working stop to the record's StopQuantity. On
// failure the previous stop keeps governing and the record is escalated.
func (t *Tracker) resizeStop(ctx context.Context, signalID string) {
	lock := t.active.opLock(signalID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := t.active.Snapshot(signalID)
	if !ok || snap.Closed() {
		return
	}
	stop := snap.Leg(domain.LegStop)
	if stop == nil || !stop.Working() || stop.Quantity == snap.StopQuantity {
		return
	}

	oldID := stop.OrderID
	newID, err := t.gateway.Replace(ctx, oldID, domain.ReplaceRequest{
		Type:     domain.OrderTypeStopMarket,
		Quantity: snap.StopQuantity,
		Price:    stop.Price,
	})
	if err != nil {
		t.raise(ctx, &domain.PlacementError{
			Kind:     domain.ReplaceFailed,
			SignalID: signalID,
			Role:     domain.LegStop,
			Err:      fmt.Errorf("resize stop %s to %d: %w", oldID, snap.StopQuantity, err),
		})
		return
	}

	rec, changed, err := t.mutate(signalID, func(rec *domain.PositionRecord) bool {
		leg := rec.LegByOrderID(oldID)
		if leg == nil || leg.Status != domain.FillUnfilled {
			return false
		}
		leg.OrderID = newID
		leg.Quantity = rec.StopQuantity
		return true
	})
	if err != nil || !changed {
		return
	}
	t.persist(ctx, rec)
	t.logger.InfoContext(ctx, "stop resized",
		slog.String("signal_id", signalID),
		slog.String("order_id", newID),
		slog.Int("quantity", rec.StopQuantity),
	)
	t.emit(ctx, domain.EventStopMoved, rec)
}

// OnRejectOrCancel applies a broker-side rejection or cancellation of
// orderID. A dead entry closes the record and pulls its exits. A dead stop
// is escalated. A dead target is only logged.
func (t *Tracker) OnRejectOrCancel(ctx context.Context, orderID string, status domain.FillStatus) error {
	if status != domain.FillCancelled && status != domain.FillRejected {
		return fmt.Errorf("tracker: reject %s: %w: status %q", orderID, domain.ErrInvalidOrder, status)
	}
	signalID, ok := t.active.Lookup(orderID)
	if !ok {
		return fmt.Errorf("tracker: reject %s: %w", orderID, domain.ErrUnknownOrder)
	}

	var role domain.LegRole
	rec, changed, err := t.mutate(signalID, func(rec *domain.PositionRecord) bool {
		if rec.Closed() {
			return false
		}
		leg := rec.LegByOrderID(orderID)
		if leg == nil || leg.Status != domain.FillUnfilled {
			return false
		}
		role = leg.Role
		leg.Status = status
		return true
	})
	if err != nil {
		return fmt.Errorf("tracker: reject %s: %w", orderID, err)
	}
	if !changed {
		return nil
	}

	t.logger.WarnContext(ctx, "order ended without fill",
		slog.String("signal_id", signalID),
		slog.String("leg", string(role)),
		slog.String("order_id", orderID),
		slog.String("status", string(status)),
	)

	switch {
	case role == domain.LegEntry:
		t.closeOut(ctx, signalID, "entry_"+string(status))
	case role == domain.LegStop:
		t.persist(ctx, rec)
		t.raise(ctx, &domain.PlacementError{
			Kind:     domain.StopPlacementFailed,
			SignalID: signalID,
			Role:     domain.LegStop,
			Err:      fmt.Errorf("stop %s %s by broker, position %s is unprotected", orderID, status, rec.Status),
		})
	default:
		t.persist(ctx, rec)
	}
	return nil
}
