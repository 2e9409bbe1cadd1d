package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// QuoteSource returns the last trade price of a symbol.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (float64, time.Time, error)
}

// QuoteFeed polls a QuoteSource and writes each price to the price cache.
// Failed polls back off up to maxBackoff and recover on the next success.
type QuoteFeed struct {
	source     QuoteSource
	prices     domain.PriceCache
	symbol     string
	interval   time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewQuoteFeed creates a QuoteFeed.
func NewQuoteFeed(source QuoteSource, prices domain.PriceCache, symbol string, interval time.Duration, logger *slog.Logger) *QuoteFeed {
	return &QuoteFeed{
		source:     source,
		prices:     prices,
		symbol:     symbol,
		interval:   interval,
		maxBackoff: time.Minute,
		logger:     logger.With(slog.String("component", "quote_feed"), slog.String("symbol", symbol)),
	}
}

// Poll fetches one quote and caches it.
func (f *QuoteFeed) Poll(ctx context.Context) error {
	price, ts, err := f.source.Quote(ctx, f.symbol)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return f.prices.SetPrice(ctx, f.symbol, price, ts)
}

// Run polls until ctx is cancelled.
func (f *QuoteFeed) Run(ctx context.Context) error {
	f.logger.Info("quote feed started", slog.Duration("interval", f.interval))
	defer f.logger.Info("quote feed stopped")

	wait := f.interval
	for {
		if err := f.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = min(wait*2, f.maxBackoff)
			f.logger.WarnContext(ctx, "quote poll failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
		} else {
			wait = f.interval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
