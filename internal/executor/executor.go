package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// PositionOpener is the part of the position tracker the executor drives.
type PositionOpener interface {
	Open(ctx context.Context, sig domain.TradeSignal) (domain.PositionRecord, error)
	HandleOutcome(ctx context.Context, ev domain.OutcomeEvent) error
	MoveStop(ctx context.Context, signalID string, price float64) (bool, error)
}

// Notifier delivers routine operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, body string) error
}

// Config holds the intake limits applied before a signal reaches the tracker.
type Config struct {
	Sizing       domain.SizingPolicy
	MaxSignalAge time.Duration
	DedupTTL     time.Duration
}

// Executor reads trade signals and outcome events from channels, applies
// dedup, age, setup toggle and compliance checks, then opens or flattens
// positions through the tracker.
type Executor struct {
	signalCh  <-chan domain.TradeSignal
	outcomeCh <-chan domain.OutcomeEvent
	stopCh    <-chan domain.StopUpdate
	tracker   PositionOpener
	gate      domain.ComplianceGate
	setups    *Setups
	notifier  Notifier
	dedup     *Dedup
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor. gate and notifier may be nil.
func NewExecutor(
	signalCh <-chan domain.TradeSignal,
	outcomeCh <-chan domain.OutcomeEvent,
	tracker PositionOpener,
	gate domain.ComplianceGate,
	setups *Setups,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if setups == nil {
		setups = NewSetups(nil)
	}
	return &Executor{
		signalCh:        signalCh,
		outcomeCh:       outcomeCh,
		tracker:         tracker,
		gate:            gate,
		setups:          setups,
		notifier:        notifier,
		dedup:           NewDedup(ttl),
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "executor")),
		now:             time.Now,
		cleanupInterval: time.Minute,
	}
}

// WithStops makes Run also apply the stop updates read from ch.
func (e *Executor) WithStops(ch <-chan domain.StopUpdate) *Executor {
	e.stopCh = ch
	return e
}

// Run processes signals, outcomes and stop updates until ctx is cancelled or
// every channel is closed.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	signals, outcomes, stops := e.signalCh, e.outcomeCh, e.stopCh
	for signals != nil || outcomes != nil || stops != nil {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			_, _ = e.Submit(ctx, sig)

		case ev, ok := <-outcomes:
			if !ok {
				outcomes = nil
				continue
			}
			_ = e.Outcome(ctx, ev)

		case upd, ok := <-stops:
			if !ok {
				stops = nil
				continue
			}
			_ = e.MoveStop(ctx, upd)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
	return nil
}

// Submit runs one signal through the intake checks and opens its position.
// Rejections are logged and returned.
func (e *Executor) Submit(ctx context.Context, sig domain.TradeSignal) (domain.PositionRecord, error) {
	log := e.logger.With(
		slog.String("signal_id", sig.SignalID),
		slog.String("setup_id", sig.SetupID),
		slog.String("direction", string(sig.Direction)),
	)

	if e.dedup.IsDuplicate(sig.SignalID) {
		log.DebugContext(ctx, "signal deduplicated, skipping")
		return domain.PositionRecord{}, fmt.Errorf("executor: %s: %w", sig.SignalID, domain.ErrAlreadyExists)
	}

	// Signals turned away below are forgotten by dedup so they can be
	// resubmitted once the reason is gone.
	if e.cfg.MaxSignalAge > 0 && !sig.CreatedAt.IsZero() {
		if age := e.now().Sub(sig.CreatedAt); age > e.cfg.MaxSignalAge {
			log.WarnContext(ctx, "signal expired, skipping", slog.Duration("age", age))
			e.dedup.Forget(sig.SignalID)
			return domain.PositionRecord{}, fmt.Errorf("executor: %s is %s old: %w", sig.SignalID, age.Round(time.Second), domain.ErrSignalExpired)
		}
	}

	if !e.setups.Enabled(sig.SetupID) {
		log.InfoContext(ctx, "setup disabled, skipping")
		e.dedup.Forget(sig.SignalID)
		return domain.PositionRecord{}, fmt.Errorf("executor: %s: %w", sig.SetupID, domain.ErrSetupDisabled)
	}

	if e.gate != nil {
		qty, err := e.cfg.Sizing.Quantity(sig.StopDistance)
		if err != nil {
			log.WarnContext(ctx, "signal cannot be sized", slog.String("error", err.Error()))
			e.dedup.Forget(sig.SignalID)
			return domain.PositionRecord{}, fmt.Errorf("executor: %w", err)
		}
		if err := e.gate.Allow(ctx, sig, qty); err != nil {
			e.dedup.Forget(sig.SignalID)
			return domain.PositionRecord{}, fmt.Errorf("executor: %w", err)
		}
	}

	rec, err := e.tracker.Open(ctx, sig)
	if err != nil {
		log.ErrorContext(ctx, "open failed", slog.String("error", err.Error()))
		if domain.IsKind(err, domain.EntryPlacementFailed) {
			e.notify(ctx, "entry_failed", "Entry failed: "+sig.SetupID,
				fmt.Sprintf("signal %s %s: %v", sig.SignalID, sig.Direction, err))
		}
		return domain.PositionRecord{}, err
	}

	log.InfoContext(ctx, "position opened",
		slog.Int("quantity", rec.TotalQuantity),
		slog.Float64("stop_price", rec.StopPrice),
	)
	e.notify(ctx, "position_opened", "Position opened: "+sig.SetupID,
		fmt.Sprintf("%s %d @ ~%.2f, stop %.2f", sig.Direction, rec.TotalQuantity, sig.ReferencePrice, rec.StopPrice))
	return rec, nil
}

// Outcome forwards an outcome event to the tracker.
func (e *Executor) Outcome(ctx context.Context, ev domain.OutcomeEvent) error {
	if err := e.tracker.HandleOutcome(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "outcome handling failed",
			slog.String("signal_id", ev.SignalID),
			slog.String("outcome", string(ev.Outcome)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// MoveStop forwards a stop update to the tracker.
func (e *Executor) MoveStop(ctx context.Context, upd domain.StopUpdate) error {
	moved, err := e.tracker.MoveStop(ctx, upd.SignalID, upd.StopPrice)
	if err != nil {
		e.logger.WarnContext(ctx, "stop update failed",
			slog.String("signal_id", upd.SignalID),
			slog.Float64("stop_price", upd.StopPrice),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !moved {
		e.logger.DebugContext(ctx, "stop update skipped",
			slog.String("signal_id", upd.SignalID),
			slog.Float64("stop_price", upd.StopPrice),
		)
	}
	return nil
}

// Setups returns the toggles the executor consults.
func (e *Executor) Setups() *Setups {
	return e.setups
}

func (e *Executor) notify(ctx context.Context, event, title, body string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, body); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// drain logs signals still buffered at shutdown. They are not opened
// because nothing would reconcile the resulting positions.
func (e *Executor) drain() {
	for {
		select {
		case sig, ok := <-e.signalCh:
			if !ok {
				return
			}
			e.logger.Warn("dropping signal after shutdown",
				slog.String("signal_id", sig.SignalID),
				slog.String("setup_id", sig.SetupID),
			)
		default:
			return
		}
	}
}
