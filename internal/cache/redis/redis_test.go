package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func record(id string, status domain.PositionStatus, closedAt *time.Time) domain.PositionRecord {
	return domain.PositionRecord{
		SignalID:      id,
		SetupID:       "GEX Long",
		Direction:     domain.DirectionLong,
		TotalQuantity: 4,
		StopQuantity:  4,
		StopPrice:     4990,
		Status:        status,
		Legs: []domain.OrderLeg{
			{Role: domain.LegEntry, OrderID: id + "-e", Quantity: 4, Status: domain.FillFilled},
		},
		CreatedAt: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		ClosedAt:  closedAt,
	}
}

func TestPositionStoreRoundTripAndIndexes(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewPositionStore(c)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Put(ctx, record("a", domain.StatusFilled, nil)))
	require.NoError(t, s.Put(ctx, record("b", domain.StatusPendingEntry, nil)))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-e", got.Legs[0].OrderID)
	assert.Equal(t, domain.StatusFilled, got.Status)

	open, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	closedAt := time.Date(2026, 3, 2, 21, 50, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, record("a", domain.StatusClosed, &closedAt)))

	open, err = s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b", open[0].SignalID)

	closed, err := s.ListClosed(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].SignalID)

	after := closedAt.Add(time.Minute)
	closed, err = s.ListClosed(ctx, domain.ListOpts{Since: &after})
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestPositionStoreIgnoresStaleWrites(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewPositionStore(c)
	ctx := context.Background()

	filled := record("a", domain.StatusFilled, nil)
	filled.UpdatedAt = time.Date(2026, 3, 2, 15, 1, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, filled))

	closedAt := filled.UpdatedAt.Add(time.Minute)
	closed := record("a", domain.StatusClosed, &closedAt)
	closed.UpdatedAt = closedAt
	require.NoError(t, s.Put(ctx, closed))

	late := filled
	late.StopQuantity = 2
	late.UpdatedAt = closedAt.Add(time.Second)
	require.NoError(t, s.Put(ctx, late), "a skipped write is not an error")

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	open, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, s.Put(ctx, record("b", domain.StatusFilled, nil)))
	older := record("b", domain.StatusPendingEntry, nil)
	older.UpdatedAt = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	newer := record("b", domain.StatusFilled, nil)
	newer.UpdatedAt = older.UpdatedAt.Add(2 * time.Hour)
	require.NoError(t, s.Put(ctx, newer))
	require.NoError(t, s.Put(ctx, older))
	got, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
}

func TestPriceCache(t *testing.T) {
	c, _ := newTestClient(t)
	pc := NewPriceCache(c)
	ctx := context.Background()

	_, _, err := pc.GetPrice(ctx, "MESZ26")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	require.NoError(t, pc.SetPrice(ctx, "MESZ26", 5012.25, ts))
	price, got, err := pc.GetPrice(ctx, "MESZ26")
	require.NoError(t, err)
	assert.Equal(t, 5012.25, price)
	assert.True(t, ts.Equal(got))
}

func TestLeaseExclusiveAndRenewable(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	lease, err := lm.AcquireLease(ctx, "account:SIM1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "account:SIM1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	mr.FastForward(50 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists("lock:account:SIM1"), "extended lease outlives its first TTL")

	lease.Release()
	lease.Release()
	unlock, err := lm.Acquire(ctx, "account:SIM1", time.Minute)
	require.NoError(t, err)
	unlock()
}

func TestLeaseExtendFailsWhenLost(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	lease, err := lm.AcquireLease(ctx, "account:SIM1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	_, err = lm.AcquireLease(ctx, "account:SIM1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, lease.Extend(ctx), domain.ErrLockHeld)
}

func TestCounterStoreCarriesBalances(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewCounterStore(c)
	ctx := context.Background()

	empty, err := s.LoadCounters(ctx, "SIM1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, domain.ComplianceCounters{Date: "2026-03-02"}, empty)

	require.NoError(t, s.SaveCounters(ctx, "SIM1", domain.ComplianceCounters{
		Date: "2026-03-02", Trades: 3, Losses: 1, RealizedPnL: -125.5, Balance: 49874.5, PeakBalance: 50000,
	}))
	assert.Equal(t, "3", mr.HGet("compliance:SIM1:2026-03-02", "trades"))

	next, err := s.LoadCounters(ctx, "SIM1", "2026-03-03")
	require.NoError(t, err)
	assert.Zero(t, next.Trades)
	assert.Equal(t, 49874.5, next.Balance)
	assert.Equal(t, 50000.0, next.PeakBalance)

	same, err := s.LoadCounters(ctx, "SIM1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 1, same.Losses)
	assert.Equal(t, -125.5, same.RealizedPnL)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, err = rl.Allow(ctx, "api:1.2.3.4", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBusPublishAndStream(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.ChannelSignals)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelSignals, []byte(`{"signal_id":"s1"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"signal_id":"s1"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamPositions, []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamPositions, []byte("two")))
	msgs, err := bus.StreamRead(ctx, domain.StreamPositions, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", string(msgs[1].Payload))

	msgs, err = bus.StreamRead(ctx, domain.StreamPositions, msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
