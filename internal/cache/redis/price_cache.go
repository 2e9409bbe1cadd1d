package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per symbol at
// "price:{symbol}" holding "price" and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// SetPrice stores the latest price and timestamp for symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the latest price and its timestamp, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, domain.ErrNotFound)
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}

	var ts time.Time
	if tsStr, ok := vals["ts"]; ok {
		nanos, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
		}
		ts = time.Unix(0, nanos)
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
