package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingRefresher struct{ n atomic.Int32 }

func (c *countingRefresher) Invalidate() { c.n.Add(1) }

// scriptedGateway returns errs in order, then succeeds.
type scriptedGateway struct {
	errs  []error
	calls atomic.Int32
	block time.Duration
}

func (s *scriptedGateway) next(ctx context.Context) error {
	i := int(s.calls.Add(1)) - 1
	if s.block > 0 {
		select {
		case <-time.After(s.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if i < len(s.errs) {
		return s.errs[i]
	}
	return nil
}

func (s *scriptedGateway) Place(ctx context.Context, _ domain.OrderRequest) (string, error) {
	if err := s.next(ctx); err != nil {
		return "", err
	}
	return "id-1", nil
}

func (s *scriptedGateway) Replace(ctx context.Context, id string, _ domain.ReplaceRequest) (string, error) {
	if err := s.next(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *scriptedGateway) Cancel(ctx context.Context, _ string) error { return s.next(ctx) }

func (s *scriptedGateway) ListOpenOrders(ctx context.Context, _ string) ([]domain.OrderReport, error) {
	if err := s.next(ctx); err != nil {
		return nil, err
	}
	return []domain.OrderReport{{OrderID: "id-1"}}, nil
}

func unauthorized() error {
	return fmt.Errorf("tradestation: place: %w: token expired", domain.ErrUnauthorized)
}

func TestRetriesOnceAfterUnauthorized(t *testing.T) {
	inner := &scriptedGateway{errs: []error{unauthorized()}}
	ref := &countingRefresher{}
	g := New(inner, ref, time.Second, discardLogger())

	id, err := g.Place(context.Background(), domain.OrderRequest{})
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, int32(1), ref.n.Load())
}

func TestSecondUnauthorizedIsTerminal(t *testing.T) {
	inner := &scriptedGateway{errs: []error{unauthorized(), unauthorized()}}
	ref := &countingRefresher{}
	g := New(inner, ref, time.Second, discardLogger())

	err := g.Cancel(context.Background(), "x")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, int32(1), ref.n.Load())
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("HTTP 500: internal")
	inner := &scriptedGateway{errs: []error{boom}}
	ref := &countingRefresher{}
	g := New(inner, ref, time.Second, discardLogger())

	_, err := g.ListOpenOrders(context.Background(), "SIM1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Zero(t, ref.n.Load())
}

func TestCallIsBoundedByTimeout(t *testing.T) {
	inner := &scriptedGateway{block: time.Second}
	g := New(inner, nil, 20*time.Millisecond, discardLogger())

	start := time.Now()
	_, err := g.Replace(context.Background(), "x", domain.ReplaceRequest{Quantity: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPaperFillsAndCancels(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(discardLogger())
	p.MarkPrice(5000)

	entry, err := p.Place(ctx, domain.OrderRequest{Account: "A", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 10})
	require.NoError(t, err)
	stop, err := p.Place(ctx, domain.OrderRequest{Account: "A", Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket, Quantity: 10, Price: 4988})
	require.NoError(t, err)
	target, err := p.Place(ctx, domain.OrderRequest{Account: "A", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Quantity: 5, Price: 5010})
	require.NoError(t, err)

	p.MarkPrice(5011)
	newStop, err := p.Replace(ctx, stop, domain.ReplaceRequest{Quantity: 5})
	require.NoError(t, err)
	assert.NotEqual(t, stop, newStop)

	p.MarkPrice(4987)

	reports, err := p.ListOpenOrders(ctx, "A")
	require.NoError(t, err)
	byID := map[string]domain.OrderReport{}
	for _, r := range reports {
		byID[r.OrderID] = r
	}
	assert.Equal(t, domain.BrokerStatusFilled, byID[entry].Status)
	assert.Equal(t, 5000.0, byID[entry].FilledPrice)
	assert.Equal(t, domain.BrokerStatusFilled, byID[target].Status)
	assert.Equal(t, 5010.0, byID[target].FilledPrice)
	assert.Equal(t, domain.BrokerStatusCancelled, byID[stop].Status)
	assert.Equal(t, domain.BrokerStatusFilled, byID[newStop].Status)
	assert.Equal(t, 5, byID[newStop].FilledQuantity)

	assert.ErrorIs(t, p.Cancel(ctx, newStop), domain.ErrInvalidOrder)
	assert.ErrorIs(t, p.Cancel(ctx, "missing"), domain.ErrNotFound)
}
