package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

func TestPriceCache(t *testing.T) {
	c := NewPriceCache()
	ctx := context.Background()

	_, _, err := c.GetPrice(ctx, "MESZ26")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.Now()
	require.NoError(t, c.SetPrice(ctx, "MESZ26", 5000.5, ts))
	p, got, err := c.GetPrice(ctx, "MESZ26")
	require.NoError(t, err)
	assert.Equal(t, 5000.5, p)
	assert.Equal(t, ts, got)
}

func TestCounterStoreCarriesBalances(t *testing.T) {
	s := NewCounterStore()
	ctx := context.Background()

	require.NoError(t, s.SaveCounters(ctx, "SIM1", domain.ComplianceCounters{
		Date: "2026-03-02", Trades: 2, Losses: 2, Balance: 49500, PeakBalance: 50000,
	}))

	next, err := s.LoadCounters(ctx, "SIM1", "2026-03-03")
	require.NoError(t, err)
	assert.Zero(t, next.Losses)
	assert.Equal(t, 49500.0, next.Balance)
	assert.Equal(t, 50000.0, next.PeakBalance)
}
