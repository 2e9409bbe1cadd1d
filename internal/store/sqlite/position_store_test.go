package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

func openTemp(t *testing.T) *PositionStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string, status domain.PositionStatus, created time.Time) domain.PositionRecord {
	return domain.PositionRecord{
		SignalID:      id,
		SetupID:       "GEX Long",
		Direction:     domain.DirectionLong,
		TotalQuantity: 4,
		StopQuantity:  4,
		StopPrice:     4990,
		Status:        status,
		CreatedAt:     created,
		UpdatedAt:     created,
		Legs: []domain.OrderLeg{
			{Role: domain.LegEntry, OrderID: id + "-e", Quantity: 4, Status: domain.FillUnfilled},
		},
	}
}

func TestPutGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rec := record("s1", domain.StatusPendingEntry, base)
	require.NoError(t, s.Put(ctx, rec))

	fill := 5000.25
	rec.Status = domain.StatusFilled
	rec.EntryFillPrice = &fill
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	require.NotNil(t, got.EntryFillPrice)
	assert.Equal(t, fill, *got.EntryFillPrice)
	assert.Equal(t, "s1-e", got.Legs[0].OrderID)
	assert.True(t, base.Equal(got.CreatedAt))
}

func TestListNonTerminalAndClosed(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, record("b", domain.StatusFilled, base.Add(time.Minute))))
	require.NoError(t, s.Put(ctx, record("a", domain.StatusPendingEntry, base)))
	for i, id := range []string{"c", "d"} {
		rec := record(id, domain.StatusClosed, base)
		closed := base.Add(time.Duration(i+1) * time.Hour)
		rec.ClosedAt = &closed
		require.NoError(t, s.Put(ctx, rec))
	}

	open, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].SignalID)
	assert.Equal(t, "b", open[1].SignalID)

	since := base.Add(90 * time.Minute)
	closed, err := s.ListClosed(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "d", closed[0].SignalID)

	closed, err = s.ListClosed(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "c", closed[0].SignalID)

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPutNeverRollsBackClosedOrNewerRecords(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	filled := record("s1", domain.StatusFilled, base)
	filled.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.Put(ctx, filled))

	closed := filled
	closed.Status = domain.StatusClosed
	closed.CloseReason = "outcome_LOSS"
	closedAt := base.Add(2 * time.Minute)
	closed.ClosedAt = &closedAt
	closed.UpdatedAt = closedAt
	require.NoError(t, s.Put(ctx, closed))

	// A FILLED snapshot taken before the close but written after it.
	stale := filled
	stale.StopQuantity = 2
	require.NoError(t, s.Put(ctx, stale))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, "outcome_LOSS", got.CloseReason)
	open, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	newer := record("s2", domain.StatusFilled, base)
	newer.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.Put(ctx, newer))
	require.NoError(t, s.Put(ctx, record("s2", domain.StatusPendingEntry, base)))
	got, err = s.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
}
