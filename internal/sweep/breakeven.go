package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// BreakevenTracker is the part of the tracker the checker drives.
type BreakevenTracker interface {
	CheckAllBreakeven(ctx context.Context, symbol string, price float64) error
}

// BreakevenChecker feeds the latest cached price to the tracker's breakeven
// check on a fixed interval.
type BreakevenChecker struct {
	tracker  BreakevenTracker
	prices   domain.PriceCache
	symbol   string
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewBreakevenChecker creates a checker. Prices older than maxAge are
// ignored; a zero maxAge accepts any price.
func NewBreakevenChecker(tracker BreakevenTracker, prices domain.PriceCache, symbol string, interval, maxAge time.Duration, logger *slog.Logger) *BreakevenChecker {
	return &BreakevenChecker{
		tracker:  tracker,
		prices:   prices,
		symbol:   symbol,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "breakeven")),
		now:      time.Now,
	}
}

// Check runs one breakeven pass.
func (b *BreakevenChecker) Check(ctx context.Context) error {
	price, ts, err := b.prices.GetPrice(ctx, b.symbol)
	if err != nil {
		return fmt.Errorf("breakeven: price %s: %w", b.symbol, err)
	}
	if b.maxAge > 0 && !ts.IsZero() && b.now().Sub(ts) > b.maxAge {
		b.logger.DebugContext(ctx, "price too old for breakeven",
			slog.Float64("price", price),
			slog.Time("at", ts),
		)
		return nil
	}
	return b.tracker.CheckAllBreakeven(ctx, b.symbol, price)
}

// Run checks every interval until ctx is cancelled.
func (b *BreakevenChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.Check(ctx); err != nil {
				b.logger.Warn("breakeven check failed", slog.String("error", err.Error()))
			}
		}
	}
}
