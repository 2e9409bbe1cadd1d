package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizingPolicy turns a stop distance into a contract quantity. A positive
// FixedQuantity wins; otherwise quantity is risk based.
type SizingPolicy struct {
	FixedQuantity int
	MaxRiskAmount float64
	PointValue    float64
	MaxQuantity   int
}

// Quantity computes floor(MaxRiskAmount / (stopDistance * PointValue)),
// capped at MaxQuantity.
func (p SizingPolicy) Quantity(stopDistance float64) (int, error) {
	qty := p.FixedQuantity
	if qty <= 0 {
		if stopDistance <= 0 || p.PointValue <= 0 {
			return 0, fmt.Errorf("%w: stop distance %.2f, point value %.2f", ErrInvalidSize, stopDistance, p.PointValue)
		}
		risk := decimal.NewFromFloat(stopDistance).Mul(decimal.NewFromFloat(p.PointValue))
		qty = int(decimal.NewFromFloat(p.MaxRiskAmount).Div(risk).Floor().IntPart())
	}
	if p.MaxQuantity > 0 && qty > p.MaxQuantity {
		qty = p.MaxQuantity
	}
	if qty < 1 {
		return 0, fmt.Errorf("%w: risk %.2f over stop %.2f", ErrInvalidSize, p.MaxRiskAmount, stopDistance)
	}
	return qty, nil
}

// SplitTargets divides qty across target slots. With two slots TARGET_1
// takes floor(qty/2) and the second slot the remainder; a single contract
// only fills the first slot.
func SplitTargets(qty, slots int) []int {
	switch {
	case slots <= 0:
		return nil
	case slots == 1 || qty < 2:
		return []int{qty}
	default:
		first := qty / 2
		return []int{first, qty - first}
	}
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return f
}
