package tradestation

import (
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// apiTimeInForce is the TimeInForce object of an order request.
type apiTimeInForce struct {
	Duration string `json:"Duration"`
}

// apiOrderRequest is the body of POST /orderexecution/orders.
type apiOrderRequest struct {
	AccountID   string         `json:"AccountID"`
	Symbol      string         `json:"Symbol"`
	Quantity    string         `json:"Quantity"`
	OrderType   string         `json:"OrderType"`
	TradeAction string         `json:"TradeAction"`
	LimitPrice  string         `json:"LimitPrice,omitempty"`
	StopPrice   string         `json:"StopPrice,omitempty"`
	TimeInForce apiTimeInForce `json:"TimeInForce"`
	Route       string         `json:"Route"`
}

// apiReplaceRequest is the body of PUT /orderexecution/orders/{id}.
type apiReplaceRequest struct {
	Quantity   string `json:"Quantity,omitempty"`
	LimitPrice string `json:"LimitPrice,omitempty"`
	StopPrice  string `json:"StopPrice,omitempty"`
}

type apiOrderAck struct {
	OrderID string `json:"OrderID"`
	Message string `json:"Message"`
}

type apiOrderError struct {
	OrderID string `json:"OrderID"`
	Error   string `json:"Error"`
	Message string `json:"Message"`
}

// apiOrderResponse covers both the place and replace responses. Replace may
// answer with a bare OrderID instead of an Orders array.
type apiOrderResponse struct {
	Orders  []apiOrderAck   `json:"Orders"`
	Errors  []apiOrderError `json:"Errors"`
	OrderID string          `json:"OrderID"`
	Message string          `json:"Message"`
}

// firstOrderID returns the id the broker assigned, or "".
func (r apiOrderResponse) firstOrderID() string {
	for _, o := range r.Orders {
		if o.OrderID != "" {
			return o.OrderID
		}
	}
	return r.OrderID
}

func (r apiOrderResponse) errorText() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, strings.TrimSpace(e.Error+" "+e.Message))
	}
	return strings.Join(parts, "; ")
}

type apiLeg struct {
	ExecPrice    string `json:"ExecPrice"`
	ExecQuantity string `json:"ExecQuantity"`
}

type apiOrder struct {
	OrderID        string   `json:"OrderID"`
	Status         string   `json:"Status"`
	FilledPrice    string   `json:"FilledPrice"`
	Legs           []apiLeg `json:"Legs"`
	ClosedDateTime string   `json:"ClosedDateTime"`
}

type apiOrdersPage struct {
	Orders    []apiOrder `json:"Orders"`
	NextToken string     `json:"NextToken"`
}

type apiQuote struct {
	Symbol    string `json:"Symbol"`
	Last      string `json:"Last"`
	TradeTime string `json:"TradeTime"`
}

type apiQuotes struct {
	Quotes []apiQuote `json:"Quotes"`
}

type apiTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// brokerStatus normalizes a TradeStation status code.
func brokerStatus(code string) domain.BrokerStatus {
	switch strings.ToUpper(code) {
	case "FLL":
		return domain.BrokerStatusFilled
	case "REJ":
		return domain.BrokerStatusRejected
	case "CAN", "EXP", "UCN", "BRO":
		return domain.BrokerStatusCancelled
	default:
		return domain.BrokerStatusOpen
	}
}

// toReport converts a ledger row. The fill price comes from the first leg's
// execution price, falling back to FilledPrice.
func (o apiOrder) toReport() domain.OrderReport {
	rep := domain.OrderReport{
		OrderID: o.OrderID,
		Status:  brokerStatus(o.Status),
	}
	if len(o.Legs) > 0 {
		rep.FilledPrice = parseFloat(o.Legs[0].ExecPrice)
		rep.FilledQuantity = int(parseFloat(o.Legs[0].ExecQuantity))
	}
	if rep.FilledPrice == 0 {
		rep.FilledPrice = parseFloat(o.FilledPrice)
	}
	if t, err := time.Parse(time.RFC3339, o.ClosedDateTime); err == nil {
		rep.UpdatedAt = t
	}
	return rep
}

func orderType(t domain.OrderType) string {
	switch t {
	case domain.OrderTypeLimit:
		return "Limit"
	case domain.OrderTypeStopMarket:
		return "StopMarket"
	default:
		return "Market"
	}
}

func tradeAction(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
