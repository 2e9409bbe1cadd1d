package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

type placed struct {
	id  string
	req domain.OrderRequest
}

type replaced struct {
	oldID, newID string
	req          domain.ReplaceRequest
}

// fakeGateway records every call and fails the ops listed in errs. Keys are
// "place:<type>", "replace", "cancel", "cancel:<order id>" and "list".
// ListOpenOrders returns ledger.
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	placed    []placed
	replaced  []replaced
	cancelled []string
	ledger    []domain.OrderReport
	errs      map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{errs: make(map[string]error)}
}

func (g *fakeGateway) fail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[op] = err
}

func (g *fakeGateway) nextID() string {
	g.seq++
	return fmt.Sprintf("o%d", g.seq)
}

func (g *fakeGateway) Place(_ context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs["place:"+string(req.Type)]; err != nil {
		return "", err
	}
	id := g.nextID()
	g.placed = append(g.placed, placed{id: id, req: req})
	return id, nil
}

func (g *fakeGateway) Replace(_ context.Context, id string, req domain.ReplaceRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs["replace"]; err != nil {
		return "", err
	}
	newID := g.nextID()
	g.replaced = append(g.replaced, replaced{oldID: id, newID: newID, req: req})
	return newID, nil
}

func (g *fakeGateway) Cancel(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs["cancel:"+id]; err != nil {
		return err
	}
	if err := g.errs["cancel"]; err != nil {
		return err
	}
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *fakeGateway) ListOpenOrders(context.Context, string) ([]domain.OrderReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs["list"]; err != nil {
		return nil, err
	}
	return append([]domain.OrderReport(nil), g.ledger...), nil
}

func (g *fakeGateway) report(id string, status domain.BrokerStatus, price float64, qty int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger = append(g.ledger, domain.OrderReport{OrderID: id, Status: status, FilledPrice: price, FilledQuantity: qty})
}

func (g *fakeGateway) markets() []placed {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []placed
	for _, p := range g.placed {
		if p.req.Type == domain.OrderTypeMarket && p.req.Side == domain.OrderSideSell {
			out = append(out, p)
		}
	}
	return out
}

type memRepo struct {
	mu     sync.Mutex
	recs   map[string]domain.PositionRecord
	putErr error
	puts   int
}

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[string]domain.PositionRecord)}
}

func (r *memRepo) Get(_ context.Context, id string) (domain.PositionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return domain.PositionRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memRepo) Put(_ context.Context, rec domain.PositionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts++
	if r.putErr != nil {
		return r.putErr
	}
	if cur, ok := r.recs[rec.SignalID]; ok && (cur.Closed() || cur.UpdatedAt.After(rec.UpdatedAt)) {
		return nil
	}
	r.recs[rec.SignalID] = rec.Clone()
	return nil
}

func (r *memRepo) ListNonTerminal(context.Context) ([]domain.PositionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PositionRecord
	for _, rec := range r.recs {
		if !rec.Closed() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (p *fakePrices) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prices == nil {
		p.prices = make(map[string]float64)
	}
	p.prices[symbol] = price
	return nil
}

func (p *fakePrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, time.Time{}, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	titles []string
}

func (a *fakeAlerts) Escalate(_ context.Context, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
	return nil
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

type harness struct {
	tr     *Tracker
	gw     *fakeGateway
	repo   *memRepo
	alerts *fakeAlerts
	prices *fakePrices
	events []domain.PositionEvent
}

func testConfig() Config {
	return Config{
		Account:          "SIM1",
		Symbol:           "MESZ26",
		TickSize:         0.25,
		BreakevenTrigger: 5,
		Sizing:           domain.SizingPolicy{FixedQuantity: 10, MaxQuantity: 60},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{gw: newFakeGateway(), repo: newMemRepo(), alerts: &fakeAlerts{}, prices: &fakePrices{}}
	h.tr = newTrackerWith(h.gw, h.repo, h.alerts).WithPriceCache(h.prices)
	h.tr.OnEvent(func(_ context.Context, ev domain.PositionEvent) {
		h.events = append(h.events, ev)
	})
	return h
}

func newTrackerWith(gw domain.OrderGateway, repo domain.PositionRepository, alerts Escalator) *Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := New(testConfig(), NewRegistry(), gw, repo, alerts, logger)
	clock := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	return tr
}

func longSignal(id, setup string) domain.TradeSignal {
	return domain.TradeSignal{
		SignalID:        id,
		SetupID:         setup,
		Direction:       domain.DirectionLong,
		ReferencePrice:  5000,
		StopDistance:    10,
		TargetDistances: []float64{10, 0},
	}
}

func legID(t *testing.T, rec domain.PositionRecord, role domain.LegRole) string {
	t.Helper()
	leg := rec.Leg(role)
	if leg == nil {
		t.Fatalf("record %s has no %s leg", rec.SignalID, role)
	}
	return leg.OrderID
}
