package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/metrics"
)

var targetRoles = []domain.LegRole{domain.LegTarget1, domain.LegTarget2}

// Open sizes the signal, places entry, stop and target orders, and records
// the new position as PENDING_ENTRY. An entry failure returns an
// EntryPlacementFailed error and leaves no record. A stop failure keeps the
// record but escalates it; a target failure is logged and the stop remains
// the exit for that quantity.
func (t *Tracker) Open(ctx context.Context, sig domain.TradeSignal) (domain.PositionRecord, error) {
	if sig.SignalID == "" || sig.SetupID == "" {
		return domain.PositionRecord{}, fmt.Errorf("tracker: open: %w: signal and setup ids are required", domain.ErrInvalidOrder)
	}
	if !sig.Direction.Valid() {
		return domain.PositionRecord{}, fmt.Errorf("tracker: open: %w: direction %q", domain.ErrInvalidOrder, sig.Direction)
	}
	if sig.StopDistance <= 0 || sig.ReferencePrice <= 0 {
		return domain.PositionRecord{}, fmt.Errorf("tracker: open: %w: reference %.2f stop distance %.2f",
			domain.ErrInvalidOrder, sig.ReferencePrice, sig.StopDistance)
	}
	qty, err := t.cfg.Sizing.Quantity(sig.StopDistance)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("tracker: open %s: %w", sig.SignalID, err)
	}

	if err := t.active.Reserve(sig.SetupID, sig.SignalID); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("tracker: open %s: %w", sig.SignalID, err)
	}
	if _, err := t.repo.Get(ctx, sig.SignalID); err == nil {
		t.active.Release(sig.SetupID, sig.SignalID)
		return domain.PositionRecord{}, fmt.Errorf("tracker: open %s: %w", sig.SignalID, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		t.logger.WarnContext(ctx, "store lookup failed, opening anyway",
			slog.String("signal_id", sig.SignalID),
			slog.String("error", err.Error()),
		)
	}

	now := t.now().UTC()
	sign := sig.Direction.Sign()
	rec := domain.PositionRecord{
		SignalID:      sig.SignalID,
		SetupID:       sig.SetupID,
		Account:       t.cfg.Account,
		Symbol:        t.cfg.Symbol,
		Direction:     sig.Direction,
		TotalQuantity: qty,
		StopQuantity:  qty,
		StopPrice:     domain.RoundToTick(sig.ReferencePrice-sign*sig.StopDistance, t.cfg.TickSize),
		Status:        domain.StatusPendingEntry,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	entryID, err := t.gateway.Place(ctx, domain.OrderRequest{
		Account:     t.cfg.Account,
		Symbol:      t.cfg.Symbol,
		Side:        sig.Direction.EntrySide(),
		Type:        domain.OrderTypeMarket,
		Quantity:    qty,
		TimeInForce: domain.TimeInForceDay,
		Tag:         sig.SignalID,
	})
	if err != nil {
		t.active.Release(sig.SetupID, sig.SignalID)
		perr := &domain.PlacementError{Kind: domain.EntryPlacementFailed, SignalID: sig.SignalID, Role: domain.LegEntry, Err: err}
		t.logger.ErrorContext(ctx, "entry placement failed",
			slog.String("signal_id", sig.SignalID),
			slog.String("setup_id", sig.SetupID),
			slog.String("error", err.Error()),
		)
		return domain.PositionRecord{}, perr
	}
	rec.Legs = append(rec.Legs, domain.OrderLeg{
		Role:     domain.LegEntry,
		OrderID:  entryID,
		Quantity: qty,
		Status:   domain.FillUnfilled,
	})

	var stopErr *domain.PlacementError
	stop := domain.OrderLeg{Role: domain.LegStop, Quantity: qty, Price: rec.StopPrice, Status: domain.FillUnfilled}
	stopID, err := t.gateway.Place(ctx, domain.OrderRequest{
		Account:     t.cfg.Account,
		Symbol:      t.cfg.Symbol,
		Side:        sig.Direction.ExitSide(),
		Type:        domain.OrderTypeStopMarket,
		Quantity:    qty,
		Price:       rec.StopPrice,
		TimeInForce: domain.TimeInForceGTC,
		Tag:         sig.SignalID,
	})
	if err != nil {
		stop.Status = domain.FillRejected
		stopErr = &domain.PlacementError{Kind: domain.StopPlacementFailed, SignalID: sig.SignalID, Role: domain.LegStop, Err: err}
	} else {
		stop.OrderID = stopID
	}
	rec.Legs = append(rec.Legs, stop)

	if !sig.TrailOnly {
		t.placeTargets(ctx, sig, &rec)
	}

	if err := t.active.Insert(rec); err != nil {
		// The reservation guarantees the setup is ours; reaching here means
		// the signal id collided, and the orders just sent are unmanaged.
		t.active.Release(sig.SetupID, sig.SignalID)
		t.raise(ctx, &domain.PlacementError{Kind: domain.CancelFailed, SignalID: sig.SignalID, Role: domain.LegEntry, Err: err})
		return domain.PositionRecord{}, fmt.Errorf("tracker: open %s: %w", sig.SignalID, err)
	}
	metrics.ActivePositions.Set(float64(t.active.Len()))
	t.persist(ctx, rec)

	t.logger.InfoContext(ctx, "position opened",
		slog.String("signal_id", rec.SignalID),
		slog.String("setup_id", rec.SetupID),
		slog.String("direction", string(rec.Direction)),
		slog.Int("quantity", qty),
		slog.Float64("stop_price", rec.StopPrice),
	)
	t.emit(ctx, domain.EventOpened, rec)

	if stopErr != nil {
		t.raise(ctx, stopErr)
		if snap, ok := t.active.Snapshot(rec.SignalID); ok {
			rec = snap
		}
	}
	return rec, nil
}

// placeTargets sends one limit order per priced target slot. A zero distance
// marks a trailing slot; its share stays covered by the stop alone.
func (t *Tracker) placeTargets(ctx context.Context, sig domain.TradeSignal, rec *domain.PositionRecord) {
	slots := sig.TargetDistances
	if len(slots) > len(targetRoles) {
		slots = slots[:len(targetRoles)]
	}
	split := domain.SplitTargets(rec.TotalQuantity, len(slots))
	sign := sig.Direction.Sign()

	for i, dist := range slots {
		if i >= len(split) || dist <= 0 {
			continue
		}
		price := domain.RoundToTick(sig.ReferencePrice+sign*dist, t.cfg.TickSize)
		role := targetRoles[i]
		if role == domain.LegTarget1 {
			rec.Target1Price = &price
		} else {
			rec.Target2Price = &price
		}

		leg := domain.OrderLeg{Role: role, Quantity: split[i], Price: price, Status: domain.FillUnfilled}
		id, err := t.gateway.Place(ctx, domain.OrderRequest{
			Account:     t.cfg.Account,
			Symbol:      t.cfg.Symbol,
			Side:        sig.Direction.ExitSide(),
			Type:        domain.OrderTypeLimit,
			Quantity:    split[i],
			Price:       price,
			TimeInForce: domain.TimeInForceGTC,
			Tag:         sig.SignalID,
		})
		if err != nil {
			leg.Status = domain.FillRejected
			perr := &domain.PlacementError{Kind: domain.TargetPlacementFailed, SignalID: sig.SignalID, Role: role, Err: err}
			t.logger.WarnContext(ctx, "target placement failed, stop covers the quantity",
				slog.String("signal_id", sig.SignalID),
				slog.String("leg", string(role)),
				slog.String("error", perr.Error()),
			)
		} else {
			leg.OrderID = id
		}
		rec.Legs = append(rec.Legs, leg)
	}
}
