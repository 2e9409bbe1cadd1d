package domain

// LegRole identifies an order within a position's order set.
type LegRole string

const (
	LegEntry   LegRole = "ENTRY"
	LegStop    LegRole = "STOP"
	LegTarget1 LegRole = "TARGET_1"
	LegTarget2 LegRole = "TARGET_2"
	// LegFlatten is the market order that exits whatever quantity is left
	// when a position is flattened.
	LegFlatten LegRole = "FLATTEN"
)

// IsTarget reports whether r is a profit-taking leg.
func (r LegRole) IsTarget() bool {
	return r == LegTarget1 || r == LegTarget2
}

// FillStatus is the local belief about a leg's execution state.
type FillStatus string

const (
	FillUnfilled  FillStatus = "unfilled"
	FillFilled    FillStatus = "filled"
	FillCancelled FillStatus = "cancelled"
	FillRejected  FillStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s FillStatus) Terminal() bool {
	return s != FillUnfilled
}

// OrderLeg is one order of a position. An empty OrderID means placement
// failed or was never attempted.
type OrderLeg struct {
	Role      LegRole    `json:"role"`
	OrderID   string     `json:"order_id,omitempty"`
	Quantity  int        `json:"quantity"`
	Price     float64    `json:"price,omitempty"`
	Status    FillStatus `json:"status"`
	FillPrice *float64   `json:"fill_price,omitempty"`
}

// Working reports whether the leg is resting at the broker.
func (l OrderLeg) Working() bool {
	return l.OrderID != "" && l.Status == FillUnfilled
}
