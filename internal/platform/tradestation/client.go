// Package tradestation is the REST client for the TradeStation order
// execution and brokerage APIs.
package tradestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// maxListPages bounds pagination of the order ledger.
const maxListPages = 10

// Tokener supplies bearer tokens for API calls.
type Tokener interface {
	Token(ctx context.Context) (string, error)
}

// Client implements domain.OrderGateway against the TradeStation v3 API. It
// does not retry; see the gateway package for the retry-once-on-auth policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     Tokener
	limiter    *rate.Limiter
}

var _ domain.OrderGateway = (*Client)(nil)

// NewClient creates a new REST client.
//
// baseURL is the API root, e.g. "https://sim-api.tradestation.com/v3".
// requestsPerSec caps the request rate with a burst of the same size.
func NewClient(baseURL string, tokens Tokener, timeout time.Duration, requestsPerSec float64) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	burst := int(requestsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), burst),
	}
}

// Place submits a single order and returns the broker order id.
func (c *Client) Place(ctx context.Context, req domain.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("tradestation: place: %w: quantity %d", domain.ErrInvalidOrder, req.Quantity)
	}
	body := apiOrderRequest{
		AccountID:   req.Account,
		Symbol:      req.Symbol,
		Quantity:    strconv.Itoa(req.Quantity),
		OrderType:   orderType(req.Type),
		TradeAction: tradeAction(req.Side),
		TimeInForce: apiTimeInForce{Duration: string(req.TimeInForce)},
		Route:       "Intelligent",
	}
	if body.TimeInForce.Duration == "" {
		body.TimeInForce.Duration = string(domain.TimeInForceDay)
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		body.LimitPrice = formatPrice(req.Price)
	case domain.OrderTypeStopMarket:
		body.StopPrice = formatPrice(req.Price)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/orderexecution/orders", body)
	if err != nil {
		return "", fmt.Errorf("tradestation: place: %w", err)
	}
	var resp apiOrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("tradestation: decode place response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("tradestation: place: %w: %s", domain.ErrInvalidOrder, resp.errorText())
	}
	id := resp.firstOrderID()
	if id == "" {
		return "", fmt.Errorf("tradestation: place: %w: no order id in response", domain.ErrInvalidOrder)
	}
	return id, nil
}

// Replace modifies a working order. The broker may assign a new id; if it
// does not, the original id is returned.
func (c *Client) Replace(ctx context.Context, orderID string, req domain.ReplaceRequest) (string, error) {
	body := apiReplaceRequest{}
	if req.Quantity > 0 {
		body.Quantity = strconv.Itoa(req.Quantity)
	}
	if req.Price > 0 {
		if req.Type == domain.OrderTypeLimit {
			body.LimitPrice = formatPrice(req.Price)
		} else {
			body.StopPrice = formatPrice(req.Price)
		}
	}

	respBody, err := c.do(ctx, http.MethodPut, "/orderexecution/orders/"+url.PathEscape(orderID), body)
	if err != nil {
		return "", fmt.Errorf("tradestation: replace %s: %w", orderID, err)
	}
	var resp apiOrderResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return "", fmt.Errorf("tradestation: decode replace response: %w", err)
		}
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("tradestation: replace %s: %w: %s", orderID, domain.ErrInvalidOrder, resp.errorText())
	}
	if id := resp.firstOrderID(); id != "" {
		return id, nil
	}
	return orderID, nil
}

// Cancel cancels a working order. A 404 surfaces as domain.ErrNotFound.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/orderexecution/orders/"+url.PathEscape(orderID), nil); err != nil {
		return fmt.Errorf("tradestation: cancel %s: %w", orderID, err)
	}
	return nil
}

// ListOpenOrders returns the account's order ledger for the day, including
// orders that already reached a terminal status.
func (c *Client) ListOpenOrders(ctx context.Context, account string) ([]domain.OrderReport, error) {
	var out []domain.OrderReport
	path := "/brokerage/accounts/" + url.PathEscape(account) + "/orders"
	next := ""
	for page := 0; page < maxListPages; page++ {
		p := path
		if next != "" {
			p += "?nextToken=" + url.QueryEscape(next)
		}
		respBody, err := c.do(ctx, http.MethodGet, p, nil)
		if err != nil {
			return nil, fmt.Errorf("tradestation: list orders: %w", err)
		}
		var resp apiOrdersPage
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("tradestation: decode orders: %w", err)
		}
		for _, o := range resp.Orders {
			if o.OrderID != "" {
				out = append(out, o.toReport())
			}
		}
		if resp.NextToken == "" {
			break
		}
		next = resp.NextToken
	}
	return out, nil
}

// Quote returns the last traded price of symbol and its trade time. A zero
// trade time means the broker did not report one.
func (c *Client) Quote(ctx context.Context, symbol string) (float64, time.Time, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/marketdata/quotes/"+url.PathEscape(symbol), nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("tradestation: quote %s: %w", symbol, err)
	}
	var resp apiQuotes
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, time.Time{}, fmt.Errorf("tradestation: decode quote: %w", err)
	}
	if len(resp.Quotes) == 0 {
		return 0, time.Time{}, fmt.Errorf("tradestation: quote %s: %w", symbol, domain.ErrNotFound)
	}
	q := resp.Quotes[0]
	last := parseFloat(q.Last)
	if last <= 0 {
		return 0, time.Time{}, fmt.Errorf("tradestation: quote %s: no last price", symbol)
	}
	ts, _ := time.Parse(time.RFC3339, q.TradeTime)
	return last, ts, nil
}

// do executes an authenticated JSON request and returns the raw body.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps HTTP status codes onto domain sentinel errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
