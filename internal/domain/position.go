package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a PositionRecord.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "PENDING_ENTRY"
	StatusFilled       PositionStatus = "FILLED"
	StatusClosed       PositionStatus = "CLOSED"
)

// PositionRecord is the tracked state of one signal's order set.
type PositionRecord struct {
	SignalID         string         `json:"signal_id"`
	SetupID          string         `json:"setup_id"`
	Account          string         `json:"account"`
	Symbol           string         `json:"symbol"`
	Direction        Direction      `json:"direction"`
	TotalQuantity    int            `json:"total_quantity"`
	StopQuantity     int            `json:"stop_quantity"`
	StopPrice        float64        `json:"stop_price"`
	Target1Price     *float64       `json:"target1_price,omitempty"`
	Target2Price     *float64       `json:"target2_price,omitempty"`
	Status           PositionStatus `json:"status"`
	Legs             []OrderLeg     `json:"legs"`
	BreakevenApplied bool           `json:"breakeven_applied"`
	EntryFillPrice   *float64       `json:"entry_fill_price,omitempty"`
	Escalated        bool           `json:"escalated"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
	CloseReason      string         `json:"close_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
}

// Clone returns a deep copy that shares no memory with r.
func (r PositionRecord) Clone() PositionRecord {
	out := r
	out.Legs = make([]OrderLeg, len(r.Legs))
	for i, l := range r.Legs {
		if l.FillPrice != nil {
			p := *l.FillPrice
			l.FillPrice = &p
		}
		out.Legs[i] = l
	}
	out.Target1Price = clonePtr(r.Target1Price)
	out.Target2Price = clonePtr(r.Target2Price)
	out.EntryFillPrice = clonePtr(r.EntryFillPrice)
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Leg returns the leg with the given role, or nil.
func (r *PositionRecord) Leg(role LegRole) *OrderLeg {
	for i := range r.Legs {
		if r.Legs[i].Role == role {
			return &r.Legs[i]
		}
	}
	return nil
}

// LegByOrderID returns the leg carrying orderID, or nil.
func (r *PositionRecord) LegByOrderID(orderID string) *OrderLeg {
	if orderID == "" {
		return nil
	}
	for i := range r.Legs {
		if r.Legs[i].OrderID == orderID {
			return &r.Legs[i]
		}
	}
	return nil
}

// Closed reports whether the record reached its terminal state.
func (r PositionRecord) Closed() bool {
	return r.Status == StatusClosed
}

// FilledTargetQuantity sums the quantity of every filled target leg.
func (r PositionRecord) FilledTargetQuantity() int {
	n := 0
	for _, l := range r.Legs {
		if l.Role.IsTarget() && l.Status == FillFilled {
			n += l.Quantity
		}
	}
	return n
}

// WorkingLegs returns the legs that are still resting at the broker.
func (r PositionRecord) WorkingLegs() []OrderLeg {
	var out []OrderLeg
	for _, l := range r.Legs {
		if l.Working() {
			out = append(out, l)
		}
	}
	return out
}

// OpenQuantity is the quantity still held in the market.
func (r PositionRecord) OpenQuantity() int {
	if r.Status != StatusFilled {
		return 0
	}
	if stop := r.Leg(LegStop); stop != nil && stop.Status == FillFilled {
		return 0
	}
	return r.TotalQuantity - r.FilledTargetQuantity()
}

// CheckInvariants verifies the quantity and lifecycle invariants of r.
func (r PositionRecord) CheckInvariants() error {
	if r.Status != StatusPendingEntry && r.Leg(LegEntry) != nil && r.Leg(LegEntry).Status == FillFilled {
		if got := r.StopQuantity + r.FilledTargetQuantity(); got != r.TotalQuantity {
			return fmt.Errorf("stop quantity %d + filled targets %d != total %d",
				r.StopQuantity, r.FilledTargetQuantity(), r.TotalQuantity)
		}
	}
	if r.Status == StatusClosed {
		for _, l := range r.Legs {
			if l.Role != LegEntry && !l.Status.Terminal() {
				return fmt.Errorf("closed record has working %s leg %s", l.Role, l.OrderID)
			}
		}
	}
	return nil
}

// RealizedPoints returns the realized result in price points multiplied by
// quantity, from every exit leg whose fill price is known. A flatten leg
// carries the mark it was sent at when its broker fill was never observed.
func (r PositionRecord) RealizedPoints() float64 {
	if r.EntryFillPrice == nil {
		return 0
	}
	entry := decimal.NewFromFloat(*r.EntryFillPrice)
	sign := decimal.NewFromFloat(r.Direction.Sign())
	total := decimal.Zero
	for _, l := range r.Legs {
		if l.Role == LegEntry || l.Status != FillFilled || l.FillPrice == nil {
			continue
		}
		qty := l.Quantity
		if l.Role == LegStop {
			qty = r.StopQuantity
		}
		move := decimal.NewFromFloat(*l.FillPrice).Sub(entry).Mul(sign)
		total = total.Add(move.Mul(decimal.NewFromInt(int64(qty))))
	}
	f, _ := total.Float64()
	return f
}

// PositionEventType names a state transition published to observers.
type PositionEventType string

const (
	EventOpened       PositionEventType = "position_opened"
	EventEntryFilled  PositionEventType = "entry_filled"
	EventTargetFilled PositionEventType = "target_filled"
	EventStopMoved    PositionEventType = "stop_moved"
	EventClosed       PositionEventType = "position_closed"
	EventEscalation   PositionEventType = "escalation"
)

// PositionEvent is a snapshot of a record taken right after a transition.
type PositionEvent struct {
	Type   PositionEventType `json:"type"`
	Record PositionRecord    `json:"record"`
	At     time.Time         `json:"at"`
}
