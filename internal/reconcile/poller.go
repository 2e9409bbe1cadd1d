// Package reconcile keeps local position state in step with the broker
// ledger. Each cycle fetches the account's orders once and reports every
// state change of a tracked leg to the tracker.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/metrics"
)

// Tracker is the part of the position tracker the poller drives.
type Tracker interface {
	Active() []domain.PositionRecord
	OnFillObserved(ctx context.Context, orderID string, fillPrice float64, fillQty int) error
	OnRejectOrCancel(ctx context.Context, orderID string, status domain.FillStatus) error
}

// dispatchOrder puts the entry first so an exit fill never precedes the
// entry fill it implies, and the stop last so a target fill shrinks it first.
var dispatchOrder = []domain.LegRole{domain.LegEntry, domain.LegTarget1, domain.LegTarget2, domain.LegStop}

// Poller reconciles tracked legs against the broker's order list.
type Poller struct {
	gateway  domain.OrderGateway
	tracker  Tracker
	account  string
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a Poller for account.
func NewPoller(gw domain.OrderGateway, tracker Tracker, account string, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		gateway:  gw,
		tracker:  tracker,
		account:  account,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Poll runs one reconciliation cycle. A failed fetch changes nothing and
// is retried on the next cycle.
func (p *Poller) Poll(ctx context.Context) error {
	active := p.tracker.Active()
	if len(active) == 0 {
		return nil
	}

	reports, err := p.gateway.ListOpenOrders(ctx, p.account)
	if err != nil {
		metrics.PollErrors.Inc()
		return fmt.Errorf("reconcile: list orders: %w: %w", domain.ErrPollFailed, err)
	}
	ledger := make(map[string]domain.OrderReport, len(reports))
	for _, r := range reports {
		ledger[r.OrderID] = r
	}

	var errs []error
	for _, rec := range active {
		if rec.Closed() {
			continue
		}
		for _, role := range dispatchOrder {
			leg := rec.Leg(role)
			if leg == nil || !leg.Working() {
				continue
			}
			rep, ok := ledger[leg.OrderID]
			if !ok {
				continue
			}
			if err := p.dispatch(ctx, rep); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) dispatch(ctx context.Context, rep domain.OrderReport) error {
	var err error
	switch rep.Status {
	case domain.BrokerStatusFilled:
		err = p.tracker.OnFillObserved(ctx, rep.OrderID, rep.FilledPrice, rep.FilledQuantity)
	case domain.BrokerStatusCancelled:
		err = p.tracker.OnRejectOrCancel(ctx, rep.OrderID, domain.FillCancelled)
	case domain.BrokerStatusRejected:
		err = p.tracker.OnRejectOrCancel(ctx, rep.OrderID, domain.FillRejected)
	default:
		return nil
	}
	// A leg replaced or closed earlier in this cycle is no longer indexed.
	if errors.Is(err, domain.ErrUnknownOrder) {
		p.logger.DebugContext(ctx, "report for untracked order",
			slog.String("order_id", rep.OrderID),
			slog.String("status", string(rep.Status)),
		)
		return nil
	}
	return err
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("reconciliation poller started", slog.Duration("interval", p.interval))
	defer p.logger.Info("reconciliation poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil {
			p.logger.Error("reconciliation cycle failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
