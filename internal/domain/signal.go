package domain

import "time"

// Direction is the side of the market a position is opened on.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// EntrySide is the order side that opens a position in direction d.
func (d Direction) EntrySide() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide is the order side that reduces a position in direction d.
func (d Direction) ExitSide() OrderSide {
	if d == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// TradeSignal is a decided trade handed over by the signal generator.
// TargetDistances holds up to two target distances in points; a zero entry
// means that slot's quantity trails behind the stop instead of resting at a
// limit price.
type TradeSignal struct {
	SignalID        string    `json:"signal_id"`
	SetupID         string    `json:"setup_id"`
	Direction       Direction `json:"direction"`
	ReferencePrice  float64   `json:"reference_price"`
	StopDistance    float64   `json:"stop_distance"`
	TargetDistances []float64 `json:"target_distances"`
	TrailOnly       bool      `json:"trail_only"`
	CreatedAt       time.Time `json:"created_at"`
}

// Outcome is an external verdict on a trade.
type Outcome string

const (
	OutcomeWin     Outcome = "WIN"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeExpired Outcome = "EXPIRED"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeWin || o == OutcomeLoss || o == OutcomeExpired
}

// OutcomeEvent asks for a still-open position to be flattened.
type OutcomeEvent struct {
	SignalID string  `json:"signal_id"`
	Outcome  Outcome `json:"outcome"`
}

// StopUpdate asks for the stop of a FILLED position to move to StopPrice,
// as sent by a trailing stop when it advances.
type StopUpdate struct {
	SignalID  string  `json:"signal_id"`
	StopPrice float64 `json:"stop_price"`
}
