package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/gateway"
	"github.com/alanyoungcy/bracketbot/internal/tracker"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	kind    string
	orderID string
}

type recordingTracker struct {
	active []domain.PositionRecord
	calls  []call
	err    error
}

func (r *recordingTracker) Active() []domain.PositionRecord { return r.active }

func (r *recordingTracker) OnFillObserved(_ context.Context, id string, _ float64, _ int) error {
	r.calls = append(r.calls, call{"fill", id})
	return r.err
}

func (r *recordingTracker) OnRejectOrCancel(_ context.Context, id string, status domain.FillStatus) error {
	r.calls = append(r.calls, call{string(status), id})
	return r.err
}

type ledger struct {
	reports []domain.OrderReport
	err     error
	calls   int
}

func (l *ledger) Place(context.Context, domain.OrderRequest) (string, error) { return "", nil }
func (l *ledger) Replace(context.Context, string, domain.ReplaceRequest) (string, error) {
	return "", nil
}
func (l *ledger) Cancel(context.Context, string) error { return nil }
func (l *ledger) ListOpenOrders(context.Context, string) ([]domain.OrderReport, error) {
	l.calls++
	return l.reports, l.err
}

func bracket() domain.PositionRecord {
	return domain.PositionRecord{
		SignalID: "s1",
		Status:   domain.StatusPendingEntry,
		Legs: []domain.OrderLeg{
			{Role: domain.LegStop, OrderID: "stop", Status: domain.FillUnfilled},
			{Role: domain.LegTarget1, OrderID: "t1", Status: domain.FillUnfilled},
			{Role: domain.LegEntry, OrderID: "entry", Status: domain.FillUnfilled},
			{Role: domain.LegTarget2, OrderID: "t2", Status: domain.FillUnfilled},
		},
	}
}

func TestPollDispatchesEntryTargetsThenStop(t *testing.T) {
	tr := &recordingTracker{active: []domain.PositionRecord{bracket()}}
	l := &ledger{reports: []domain.OrderReport{
		{OrderID: "stop", Status: domain.BrokerStatusFilled},
		{OrderID: "t2", Status: domain.BrokerStatusCancelled},
		{OrderID: "t1", Status: domain.BrokerStatusFilled},
		{OrderID: "entry", Status: domain.BrokerStatusFilled},
	}}
	p := NewPoller(l, tr, "SIM1", time.Second, discard())

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []call{
		{"fill", "entry"},
		{"fill", "t1"},
		{"cancelled", "t2"},
		{"fill", "stop"},
	}, tr.calls)
	assert.Equal(t, 1, l.calls)
}

func TestPollSkipsOpenAndMissingOrders(t *testing.T) {
	rec := bracket()
	rec.Legs[1].Status = domain.FillFilled
	tr := &recordingTracker{active: []domain.PositionRecord{rec}}
	l := &ledger{reports: []domain.OrderReport{
		{OrderID: "entry", Status: domain.BrokerStatusOpen},
		{OrderID: "t1", Status: domain.BrokerStatusFilled},
		{OrderID: "t2", Status: domain.BrokerStatusRejected},
	}}
	p := NewPoller(l, tr, "SIM1", time.Second, discard())

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []call{{"rejected", "t2"}}, tr.calls)
}

func TestPollErrorChangesNothing(t *testing.T) {
	tr := &recordingTracker{active: []domain.PositionRecord{bracket()}}
	l := &ledger{err: errors.New("503")}
	p := NewPoller(l, tr, "SIM1", time.Second, discard())

	err := p.Poll(context.Background())
	require.ErrorIs(t, err, domain.ErrPollFailed)
	assert.Empty(t, tr.calls)
}

func TestPollWithoutPositionsSkipsBroker(t *testing.T) {
	l := &ledger{}
	p := NewPoller(l, &recordingTracker{}, "SIM1", time.Second, discard())
	require.NoError(t, p.Poll(context.Background()))
	assert.Zero(t, l.calls)
}

func TestPollIgnoresUnknownOrders(t *testing.T) {
	tr := &recordingTracker{
		active: []domain.PositionRecord{bracket()},
		err:    domain.ErrUnknownOrder,
	}
	l := &ledger{reports: []domain.OrderReport{{OrderID: "stop", Status: domain.BrokerStatusCancelled}}}
	p := NewPoller(l, tr, "SIM1", time.Second, discard())
	assert.NoError(t, p.Poll(context.Background()))
}

type memRepo struct {
	recs map[string]domain.PositionRecord
}

func (m *memRepo) Get(_ context.Context, id string) (domain.PositionRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return domain.PositionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memRepo) Put(_ context.Context, rec domain.PositionRecord) error {
	m.recs[rec.SignalID] = rec.Clone()
	return nil
}

func (m *memRepo) ListNonTerminal(context.Context) ([]domain.PositionRecord, error) {
	return nil, nil
}

func TestPollAgainstPaperBroker(t *testing.T) {
	ctx := context.Background()
	paper := gateway.NewPaper(discard())
	repo := &memRepo{recs: make(map[string]domain.PositionRecord)}
	tr := tracker.New(tracker.Config{
		Account:          "SIM1",
		Symbol:           "MESZ26",
		TickSize:         0.25,
		BreakevenTrigger: 5,
		Sizing:           domain.SizingPolicy{FixedQuantity: 4, MaxQuantity: 60},
	}, tracker.NewRegistry(), paper, repo, nil, discard())
	p := NewPoller(paper, tr, "SIM1", time.Second, discard())

	paper.MarkPrice(5000)
	_, err := tr.Open(ctx, domain.TradeSignal{
		SignalID:        "s1",
		SetupID:         "GEX Long",
		Direction:       domain.DirectionLong,
		ReferencePrice:  5000,
		StopDistance:    10,
		TargetDistances: []float64{10, 20},
	})
	require.NoError(t, err)

	require.NoError(t, p.Poll(ctx))
	rec, err := tr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, rec.Status)

	paper.MarkPrice(5010)
	require.NoError(t, p.Poll(ctx))
	rec, err = tr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.StopQuantity)
	require.NoError(t, rec.CheckInvariants())

	paper.MarkPrice(4989)
	require.NoError(t, p.Poll(ctx))
	rec, err = tr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, rec.Status)
	assert.Equal(t, "stop_filled", rec.CloseReason)
	require.NoError(t, rec.CheckInvariants())
	assert.Empty(t, tr.Active())

	require.NoError(t, p.Poll(ctx), "repeated cycles are harmless")
}
