// Package feed moves trade signals, outcome events and prices from their
// sources into the executor and the price cache, and publishes position
// events back out.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// priceEvent is the JSON shape published on the "prices" channel.
type priceEvent struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// BusFeeder subscribes to the signal, outcome, stop and price channels of the
// bus and hands decoded messages to the executor channels and the price cache.
type BusFeeder struct {
	bus      domain.SignalBus
	signals  chan<- domain.TradeSignal
	outcomes chan<- domain.OutcomeEvent
	stops    chan<- domain.StopUpdate
	prices   domain.PriceCache
	logger   *slog.Logger
	now      func() time.Time
}

// NewBusFeeder creates a BusFeeder. prices may be nil, in which case the
// price channel is not subscribed.
func NewBusFeeder(bus domain.SignalBus, signals chan<- domain.TradeSignal, outcomes chan<- domain.OutcomeEvent, prices domain.PriceCache, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:      bus,
		signals:  signals,
		outcomes: outcomes,
		prices:   prices,
		logger:   logger.With(slog.String("component", "bus_feeder")),
		now:      time.Now,
	}
}

// WithStops subscribes the stop update channel and forwards decoded updates
// to ch.
func (f *BusFeeder) WithStops(ch chan<- domain.StopUpdate) *BusFeeder {
	f.stops = ch
	return f
}

// Run subscribes to every channel and dispatches messages until ctx is
// cancelled.
func (f *BusFeeder) Run(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) error{
		domain.ChannelSignals:  f.handleSignal,
		domain.ChannelOutcomes: f.handleOutcome,
	}
	if f.prices != nil {
		handlers[domain.ChannelPrices] = f.handlePrice
	}
	if f.stops != nil {
		handlers[domain.ChannelStops] = f.handleStop
	}

	g, gctx := errgroup.WithContext(ctx)
	for channel, handle := range handlers {
		ch, err := f.bus.Subscribe(gctx, channel)
		if err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", channel, err)
		}
		g.Go(func() error { return f.consume(gctx, channel, ch, handle) })
	}
	f.logger.Info("bus feeder started", slog.Int("channels", len(handlers)))
	defer f.logger.Info("bus feeder stopped")
	return g.Wait()
}

func (f *BusFeeder) consume(ctx context.Context, channel string, ch <-chan []byte, handle func(context.Context, []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handle(ctx, data); err != nil {
				f.logger.WarnContext(ctx, "bus message dropped",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

// DecodeSignal parses a JSON trade signal and normalizes it.
func DecodeSignal(data []byte, now time.Time) (domain.TradeSignal, error) {
	var sig domain.TradeSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("decode signal: %w", err)
	}
	return sig, NormalizeSignal(&sig, now)
}

// NormalizeSignal trims identifiers, lower-cases the direction and checks
// the required fields. A missing creation time is set to now.
func NormalizeSignal(sig *domain.TradeSignal, now time.Time) error {
	sig.SignalID = strings.TrimSpace(sig.SignalID)
	sig.SetupID = strings.TrimSpace(sig.SetupID)
	sig.Direction = domain.Direction(strings.ToLower(string(sig.Direction)))
	if sig.SignalID == "" || sig.SetupID == "" {
		return fmt.Errorf("decode signal: %w: signal_id and setup_id are required", domain.ErrInvalidOrder)
	}
	if !sig.Direction.Valid() {
		return fmt.Errorf("decode signal %s: %w: direction %q", sig.SignalID, domain.ErrInvalidOrder, sig.Direction)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	return nil
}

// DecodeOutcome parses a JSON outcome event and normalizes it.
func DecodeOutcome(data []byte) (domain.OutcomeEvent, error) {
	var ev domain.OutcomeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode outcome: %w", err)
	}
	return ev, NormalizeOutcome(&ev)
}

// NormalizeOutcome upper-cases the outcome and checks it is known.
func NormalizeOutcome(ev *domain.OutcomeEvent) error {
	ev.SignalID = strings.TrimSpace(ev.SignalID)
	ev.Outcome = domain.Outcome(strings.ToUpper(string(ev.Outcome)))
	if ev.SignalID == "" || !ev.Outcome.Valid() {
		return fmt.Errorf("decode outcome: %w: signal %q outcome %q", domain.ErrInvalidOrder, ev.SignalID, ev.Outcome)
	}
	return nil
}

// DecodeStopUpdate parses a JSON stop update and checks it.
func DecodeStopUpdate(data []byte) (domain.StopUpdate, error) {
	var upd domain.StopUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return upd, fmt.Errorf("decode stop update: %w", err)
	}
	upd.SignalID = strings.TrimSpace(upd.SignalID)
	if upd.SignalID == "" || upd.StopPrice <= 0 {
		return upd, fmt.Errorf("decode stop update: %w: signal %q stop %v", domain.ErrInvalidOrder, upd.SignalID, upd.StopPrice)
	}
	return upd, nil
}

func (f *BusFeeder) handleSignal(ctx context.Context, data []byte) error {
	sig, err := DecodeSignal(data, f.now().UTC())
	if err != nil {
		return err
	}
	select {
	case f.signals <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *BusFeeder) handleOutcome(ctx context.Context, data []byte) error {
	ev, err := DecodeOutcome(data)
	if err != nil {
		return err
	}
	select {
	case f.outcomes <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *BusFeeder) handleStop(ctx context.Context, data []byte) error {
	upd, err := DecodeStopUpdate(data)
	if err != nil {
		return err
	}
	select {
	case f.stops <- upd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *BusFeeder) handlePrice(ctx context.Context, data []byte) error {
	var ev priceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode price: %w", err)
	}
	if ev.Symbol == "" || ev.Price <= 0 {
		return errors.New("decode price: symbol and positive price are required")
	}
	ts := f.now()
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			ts = t
		}
	}
	return f.prices.SetPrice(ctx, ev.Symbol, ev.Price, ts)
}
