package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

type paperOrder struct {
	id        string
	seq       int
	req       domain.OrderRequest
	status    domain.BrokerStatus
	fillPrice float64
	updatedAt time.Time
}

// Paper is an in-process broker. Market orders fill at the last marked
// price; stop and limit orders fill when MarkPrice crosses them.
type Paper struct {
	mu     sync.Mutex
	orders map[string]*paperOrder
	seq    int
	last   float64
	now    func() time.Time
	logger *slog.Logger
}

var _ domain.OrderGateway = (*Paper)(nil)

// NewPaper creates an empty paper broker.
func NewPaper(logger *slog.Logger) *Paper {
	return &Paper{
		orders: make(map[string]*paperOrder),
		now:    time.Now,
		logger: logger.With(slog.String("component", "paper_broker")),
	}
}

// Place accepts the order and fills market orders immediately when a price
// is known.
func (p *Paper) Place(_ context.Context, req domain.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("paper: place: %w: quantity %d", domain.ErrInvalidOrder, req.Quantity)
	}
	if req.Type != domain.OrderTypeMarket && req.Price <= 0 {
		return "", fmt.Errorf("paper: place: %w: %s order without price", domain.ErrInvalidOrder, req.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.add(req)
	p.match(o)
	p.logger.Info("paper order accepted",
		slog.String("order_id", o.id),
		slog.String("type", string(req.Type)),
		slog.String("side", string(req.Side)),
		slog.Int("qty", req.Quantity),
		slog.Float64("price", req.Price),
	)
	return o.id, nil
}

// Replace cancels the working order and re-issues it under a new id.
func (p *Paper) Replace(_ context.Context, orderID string, req domain.ReplaceRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return "", fmt.Errorf("paper: replace %s: %w", orderID, domain.ErrNotFound)
	}
	if o.status != domain.BrokerStatusOpen {
		return "", fmt.Errorf("paper: replace %s: %w: order is %s", orderID, domain.ErrInvalidOrder, o.status)
	}
	next := o.req
	if req.Quantity > 0 {
		next.Quantity = req.Quantity
	}
	if req.Price > 0 {
		next.Price = req.Price
	}
	o.status = domain.BrokerStatusCancelled
	o.updatedAt = p.now()

	n := p.add(next)
	p.match(n)
	return n.id, nil
}

// Cancel cancels a working order.
func (p *Paper) Cancel(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if o.status != domain.BrokerStatusOpen {
		return fmt.Errorf("paper: cancel %s: %w: order is %s", orderID, domain.ErrInvalidOrder, o.status)
	}
	o.status = domain.BrokerStatusCancelled
	o.updatedAt = p.now()
	return nil
}

// ListOpenOrders returns every order of account in submission order.
func (p *Paper) ListOpenOrders(_ context.Context, account string) ([]domain.OrderReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]*paperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if o.req.Account == account {
			list = append(list, o)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	out := make([]domain.OrderReport, 0, len(list))
	for _, o := range list {
		rep := domain.OrderReport{OrderID: o.id, Status: o.status, UpdatedAt: o.updatedAt}
		if o.status == domain.BrokerStatusFilled {
			rep.FilledPrice = o.fillPrice
			rep.FilledQuantity = o.req.Quantity
		}
		out = append(out, rep)
	}
	return out, nil
}

// MarkPrice records a new market price and fills every order it crosses.
func (p *Paper) MarkPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = price
	list := make([]*paperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	for _, o := range list {
		p.match(o)
	}
}

// Reject marks a working order rejected, as a broker would after a late
// risk check.
func (p *Paper) Reject(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: reject %s: %w", orderID, domain.ErrNotFound)
	}
	if o.status == domain.BrokerStatusOpen {
		o.status = domain.BrokerStatusRejected
		o.updatedAt = p.now()
	}
	return nil
}

// Run marks the cached price of symbol every interval until ctx is done.
func (p *Paper) Run(ctx context.Context, prices domain.PriceCache, symbol string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			price, _, err := prices.GetPrice(ctx, symbol)
			if err != nil {
				p.logger.Debug("no price to mark", slog.String("error", err.Error()))
				continue
			}
			p.MarkPrice(price)
		}
	}
}

func (p *Paper) add(req domain.OrderRequest) *paperOrder {
	p.seq++
	o := &paperOrder{
		id:        uuid.NewString(),
		seq:       p.seq,
		req:       req,
		status:    domain.BrokerStatusOpen,
		updatedAt: p.now(),
	}
	p.orders[o.id] = o
	return o
}

// match fills o if the last price satisfies it. Callers hold p.mu.
func (p *Paper) match(o *paperOrder) {
	if o.status != domain.BrokerStatusOpen || p.last <= 0 {
		return
	}
	buy := o.req.Side == domain.OrderSideBuy
	var fill float64
	switch o.req.Type {
	case domain.OrderTypeMarket:
		fill = p.last
	case domain.OrderTypeLimit:
		if (buy && p.last <= o.req.Price) || (!buy && p.last >= o.req.Price) {
			fill = o.req.Price
		}
	case domain.OrderTypeStopMarket:
		if (buy && p.last >= o.req.Price) || (!buy && p.last <= o.req.Price) {
			fill = p.last
		}
	}
	if fill == 0 {
		return
	}
	o.status = domain.BrokerStatusFilled
	o.fillPrice = fill
	o.updatedAt = p.now()
}
