package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of a single order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// TimeInForce controls how long an order rests.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// OrderRequest describes a single order submission.
type OrderRequest struct {
	Account     string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    int
	Price       float64 // limit price or stop trigger; unused for market
	TimeInForce TimeInForce
	Tag         string
}

// ReplaceRequest holds the new parameters of a working order. Zero fields are
// left unchanged. Type says whether Price is a stop trigger or a limit.
type ReplaceRequest struct {
	Type     OrderType
	Quantity int
	Price    float64
}

// BrokerStatus is the broker's view of an order, normalized.
type BrokerStatus string

const (
	BrokerStatusOpen      BrokerStatus = "open"
	BrokerStatusFilled    BrokerStatus = "filled"
	BrokerStatusCancelled BrokerStatus = "cancelled"
	BrokerStatusRejected  BrokerStatus = "rejected"
)

// OrderReport is one row of the broker's order ledger.
type OrderReport struct {
	OrderID        string
	Status         BrokerStatus
	FilledPrice    float64
	FilledQuantity int
	UpdatedAt      time.Time
}

// OrderGateway is the whole brokerage surface the tracker depends on.
type OrderGateway interface {
	Place(ctx context.Context, req OrderRequest) (string, error)
	Replace(ctx context.Context, orderID string, req ReplaceRequest) (string, error)
	Cancel(ctx context.Context, orderID string) error
	ListOpenOrders(ctx context.Context, account string) ([]OrderReport, error)
}

// CredentialRefresher forces the next authenticated call to use a fresh
// credential.
type CredentialRefresher interface {
	Invalidate()
}
