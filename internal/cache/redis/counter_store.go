package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// CounterStore implements domain.CounterStore. Daily counters live in the
// hash "compliance:{account}:{date}"; the running and peak balances carry
// across days in "compliance:{account}:peak".
type CounterStore struct {
	rdb *redis.Client
}

// NewCounterStore creates a CounterStore backed by the given Client.
func NewCounterStore(c *Client) *CounterStore {
	return &CounterStore{rdb: c.Underlying()}
}

func dailyKey(account, date string) string {
	return "compliance:" + account + ":" + date
}

func peakKey(account string) string {
	return "compliance:" + account + ":peak"
}

// LoadCounters returns the counters of account for date. A day with no
// entry starts at zero trades with the carried balances.
func (s *CounterStore) LoadCounters(ctx context.Context, account, date string) (domain.ComplianceCounters, error) {
	pipe := s.rdb.Pipeline()
	daily := pipe.HGetAll(ctx, dailyKey(account, date))
	peak := pipe.HGetAll(ctx, peakKey(account))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.ComplianceCounters{}, fmt.Errorf("redis: load counters %s: %w", account, err)
	}

	c := domain.ComplianceCounters{Date: date}
	d := daily.Val()
	p := peak.Val()
	var err error
	for _, f := range []struct {
		src map[string]string
		key string
		dst any
	}{
		{d, "trades", &c.Trades},
		{d, "losses", &c.Losses},
		{d, "realized_pnl", &c.RealizedPnL},
		{p, "balance", &c.Balance},
		{p, "peak_balance", &c.PeakBalance},
	} {
		raw, ok := f.src[f.key]
		if !ok {
			continue
		}
		switch dst := f.dst.(type) {
		case *int:
			*dst, err = strconv.Atoi(raw)
		case *float64:
			*dst, err = strconv.ParseFloat(raw, 64)
		}
		if err != nil {
			return domain.ComplianceCounters{}, fmt.Errorf("redis: parse counter %s: %w", f.key, err)
		}
	}
	return c, nil
}

// SaveCounters writes the daily counters and carried balances together.
func (s *CounterStore) SaveCounters(ctx context.Context, account string, c domain.ComplianceCounters) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, dailyKey(account, c.Date), map[string]any{
			"trades":       strconv.Itoa(c.Trades),
			"losses":       strconv.Itoa(c.Losses),
			"realized_pnl": strconv.FormatFloat(c.RealizedPnL, 'f', -1, 64),
		})
		pipe.HSet(ctx, peakKey(account), map[string]any{
			"balance":      strconv.FormatFloat(c.Balance, 'f', -1, 64),
			"peak_balance": strconv.FormatFloat(c.PeakBalance, 'f', -1, 64),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save counters %s: %w", account, err)
	}
	return nil
}

var _ domain.CounterStore = (*CounterStore)(nil)
