// Package tracker owns the lifecycle of every bracket position: it places the
// order set for a signal, applies fills reported by the reconciliation poller,
// moves the stop, and flattens on demand. All local state lives in a Registry;
// brokerage and store calls are made without holding the registry lock.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/metrics"
)

// Config holds the trading parameters the tracker needs.
type Config struct {
	Account          string
	Symbol           string
	TickSize         float64
	BreakevenTrigger float64
	Sizing           domain.SizingPolicy
	PersistTimeout   time.Duration
}

// Escalator raises an alert that needs a human.
type Escalator interface {
	Escalate(ctx context.Context, title, body string) error
}

// EventHook observes position transitions. Hooks run synchronously on the
// goroutine that made the transition and must not block for long.
type EventHook func(ctx context.Context, ev domain.PositionEvent)

// Tracker is the position state machine.
type Tracker struct {
	cfg     Config
	active  *Registry
	gateway domain.OrderGateway
	repo    domain.PositionRepository
	alerts  Escalator
	prices  domain.PriceCache
	hooks   []EventHook
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Tracker. alerts may be nil.
func New(cfg Config, active *Registry, gw domain.OrderGateway, repo domain.PositionRepository, alerts Escalator, logger *slog.Logger) *Tracker {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Tracker{
		cfg:     cfg,
		active:  active,
		gateway: gw,
		repo:    repo,
		alerts:  alerts,
		logger:  logger.With(slog.String("component", "tracker")),
		now:     time.Now,
	}
}

// WithPriceCache lets flatten orders be priced at the last mark, so the loss
// or gain they realize reaches the close hooks.
func (t *Tracker) WithPriceCache(pc domain.PriceCache) *Tracker {
	t.prices = pc
	return t
}

// OnEvent registers a hook. Register hooks before the tracker is used.
func (t *Tracker) OnEvent(h EventHook) {
	t.hooks = append(t.hooks, h)
}

// Registry exposes the active set for the poller and the sweep.
func (t *Tracker) Registry() *Registry {
	return t.active
}

// Active returns a snapshot of every tracked record.
func (t *Tracker) Active() []domain.PositionRecord {
	return t.active.Active()
}

// Get returns the record for signalID from memory, falling back to the store
// for records that were already closed and evicted.
func (t *Tracker) Get(ctx context.Context, signalID string) (domain.PositionRecord, error) {
	if rec, ok := t.active.Snapshot(signalID); ok {
		return rec, nil
	}
	return t.repo.Get(ctx, signalID)
}

// Recover loads every non-CLOSED record from the store into the active set.
// It must complete before the first reconciliation cycle.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	recs, err := t.repo.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: recover: %w", err)
	}

	loaded := 0
	for _, rec := range recs {
		if rec.Closed() {
			continue
		}
		if err := t.active.Insert(rec); err != nil {
			perr := &domain.PlacementError{
				Kind:     domain.CancelFailed,
				SignalID: rec.SignalID,
				Role:     domain.LegEntry,
				Err:      fmt.Errorf("recovered record not tracked, its orders are unmanaged: %w", err),
			}
			t.raise(ctx, perr)
			continue
		}
		loaded++
		t.logger.InfoContext(ctx, "position recovered",
			slog.String("signal_id", rec.SignalID),
			slog.String("setup_id", rec.SetupID),
			slog.String("status", string(rec.Status)),
		)
	}
	metrics.ActivePositions.Set(float64(t.active.Len()))
	return loaded, nil
}

// mutate applies fn to the record and stamps UpdatedAt when fn changed it.
func (t *Tracker) mutate(signalID string, fn func(rec *domain.PositionRecord) bool) (domain.PositionRecord, bool, error) {
	return t.active.Update(signalID, func(rec *domain.PositionRecord) bool {
		if !fn(rec) {
			return false
		}
		rec.UpdatedAt = t.now().UTC()
		return true
	})
}

// persist writes rec to the store. A failed write is logged and counted; the
// in-memory record stays authoritative and the next transition retries it.
func (t *Tracker) persist(ctx context.Context, rec domain.PositionRecord) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.PersistTimeout)
	defer cancel()

	if err := t.repo.Put(pctx, rec); err != nil {
		metrics.PersistErrors.Inc()
		err = fmt.Errorf("%w: %w", domain.ErrPersistFailed, err)
		t.logger.WarnContext(ctx, "position left unsaved until next transition",
			slog.String("signal_id", rec.SignalID),
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tracker) emit(ctx context.Context, typ domain.PositionEventType, rec domain.PositionRecord) {
	if len(t.hooks) == 0 {
		return
	}
	ev := domain.PositionEvent{Type: typ, Record: rec, At: t.now().UTC()}
	for _, h := range t.hooks {
		h(ctx, ev)
	}
}

// raise records an escalating failure: the record is flagged and persisted,
// the operator is alerted and observers are notified.
func (t *Tracker) raise(ctx context.Context, perr *domain.PlacementError) {
	metrics.Escalations.WithLabelValues(string(perr.Kind)).Inc()
	t.logger.ErrorContext(ctx, "escalating failure",
		slog.String("signal_id", perr.SignalID),
		slog.String("kind", string(perr.Kind)),
		slog.String("leg", string(perr.Role)),
		slog.String("error", perr.Err.Error()),
	)

	rec, changed, err := t.mutate(perr.SignalID, func(rec *domain.PositionRecord) bool {
		rec.Escalated = true
		rec.EscalationReason = perr.Error()
		return true
	})
	if err == nil && changed {
		t.persist(ctx, rec)
		t.emit(ctx, domain.EventEscalation, rec)
	}

	if t.alerts == nil {
		return
	}
	title := fmt.Sprintf("%s on %s", perr.Kind, perr.SignalID)
	body := fmt.Sprintf("account %s symbol %s leg %s: %v", t.cfg.Account, t.cfg.Symbol, perr.Role, perr.Err)
	if err := t.alerts.Escalate(context.WithoutCancel(ctx), title, body); err != nil {
		t.logger.ErrorContext(ctx, "escalation alert failed",
			slog.String("signal_id", perr.SignalID),
			slog.String("error", err.Error()),
		)
	}
}

// cancelLegs cancels each leg at the broker. A leg the broker no longer knows
// counts as cancelled. Any other failure is escalated; the returned set still
// holds every leg so the record can reach CLOSED.
func (t *Tracker) cancelLegs(ctx context.Context, signalID string, legs []domain.OrderLeg) map[string]bool {
	done := make(map[string]bool, len(legs))
	for _, leg := range legs {
		err := t.gateway.Cancel(ctx, leg.OrderID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			t.raise(ctx, &domain.PlacementError{
				Kind:     domain.CancelFailed,
				SignalID: signalID,
				Role:     leg.Role,
				Err:      fmt.Errorf("cancel %s: %w", leg.OrderID, err),
			})
		}
		done[leg.OrderID] = true
	}
	return done
}

// finish marks the cancelled legs, appends the exit legs placed while
// closing, moves the record to CLOSED, persists it and evicts it from the
// active set.
func (t *Tracker) finish(ctx context.Context, signalID, reason string, cancelled map[string]bool, exits ...domain.OrderLeg) {
	rec, changed, err := t.mutate(signalID, func(rec *domain.PositionRecord) bool {
		if rec.Closed() {
			return false
		}
		for i := range rec.Legs {
			l := &rec.Legs[i]
			if cancelled[l.OrderID] && l.Status == domain.FillUnfilled {
				l.Status = domain.FillCancelled
			}
		}
		rec.Legs = append(rec.Legs, exits...)
		now := t.now().UTC()
		rec.Status = domain.StatusClosed
		rec.CloseReason = reason
		rec.ClosedAt = &now
		return true
	})
	if err != nil || !changed {
		return
	}
	if ierr := rec.CheckInvariants(); ierr != nil {
		t.logger.WarnContext(ctx, "closed record breaks invariants",
			slog.String("signal_id", signalID),
			slog.String("error", ierr.Error()),
		)
	}

	t.persist(ctx, rec)
	t.active.Evict(signalID)
	metrics.ActivePositions.Set(float64(t.active.Len()))
	t.logger.InfoContext(ctx, "position closed",
		slog.String("signal_id", signalID),
		slog.String("setup_id", rec.SetupID),
		slog.String("reason", reason),
		slog.Float64("realized_points", rec.RealizedPoints()),
	)
	t.emit(ctx, domain.EventClosed, rec)
}

// closeOut cancels every working leg of signalID and closes the record.
func (t *Tracker) closeOut(ctx context.Context, signalID, reason string) {
	lock := t.active.opLock(signalID)
	lock.Lock()
	defer lock.Unlock()

	snap, ok := t.active.Snapshot(signalID)
	if !ok || snap.Closed() {
		return
	}
	cancelled := t.cancelLegs(ctx, signalID, snap.WorkingLegs())
	t.finish(ctx, signalID, reason, cancelled)
}
