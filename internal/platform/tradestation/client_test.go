package tradestation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, staticToken("tok"), time.Second, 100)
}

func TestPlaceStopOrder(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orderexecution/orders", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"Orders":[{"OrderID":"924","Message":"Sent order"}]}`)
	})

	id, err := c.Place(context.Background(), domain.OrderRequest{
		Account:     "SIM1",
		Symbol:      "MESZ26",
		Side:        domain.OrderSideSell,
		Type:        domain.OrderTypeStopMarket,
		Quantity:    10,
		Price:       4988,
		TimeInForce: domain.TimeInForceGTC,
	})
	require.NoError(t, err)
	assert.Equal(t, "924", id)
	assert.Equal(t, "StopMarket", got["OrderType"])
	assert.Equal(t, "SELL", got["TradeAction"])
	assert.Equal(t, "4988.00", got["StopPrice"])
	assert.Equal(t, "10", got["Quantity"])
	assert.NotContains(t, got, "LimitPrice")
	assert.Equal(t, map[string]any{"Duration": "GTC"}, got["TimeInForce"])
}

func TestPlaceRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Errors":[{"Error":"FAILED","Message":"Insufficient buying power"}]}`)
	})

	_, err := c.Place(context.Background(), domain.OrderRequest{Quantity: 1, Type: domain.OrderTypeMarket})
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Contains(t, err.Error(), "Insufficient buying power")
}

func TestReplaceKeepsIDWhenBrokerReturnsNone(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/orderexecution/orders/77", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"Message":"Cancel/Replace order sent."}`)
	})

	id, err := c.Replace(context.Background(), "77", domain.ReplaceRequest{Type: domain.OrderTypeStopMarket, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, "77", id)
	assert.Equal(t, map[string]any{"Quantity": "5"}, got)
}

func TestReplaceReturnsNewID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Orders":[{"OrderID":"78"}]}`)
	})

	id, err := c.Replace(context.Background(), "77", domain.ReplaceRequest{Type: domain.OrderTypeStopMarket, Price: 5000})
	require.NoError(t, err)
	assert.Equal(t, "78", id)
}

func TestCancelNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.Error(w, "order not found", http.StatusNotFound)
	})

	err := c.Cancel(context.Background(), "5")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})

	_, err := c.ListOpenOrders(context.Background(), "SIM1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestListOpenOrdersFollowsPages(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/brokerage/accounts/SIM1/orders", r.URL.Path)
		if calls.Add(1) == 1 {
			assert.Empty(t, r.URL.Query().Get("nextToken"))
			_, _ = io.WriteString(w, `{"Orders":[
				{"OrderID":"1","Status":"FLL","FilledPrice":"5000.25","Legs":[{"ExecPrice":"5000.50","ExecQuantity":"10"}]},
				{"OrderID":"2","Status":"OPN"}],"NextToken":"abc"}`)
			return
		}
		assert.Equal(t, "abc", r.URL.Query().Get("nextToken"))
		_, _ = io.WriteString(w, `{"Orders":[
			{"OrderID":"3","Status":"REJ"},
			{"OrderID":"4","Status":"CAN"},
			{"OrderID":"5","Status":"FLL","FilledPrice":"4990"}]}`)
	})

	reports, err := c.ListOpenOrders(context.Background(), "SIM1")
	require.NoError(t, err)
	require.Len(t, reports, 5)

	assert.Equal(t, domain.BrokerStatusFilled, reports[0].Status)
	assert.Equal(t, 5000.5, reports[0].FilledPrice)
	assert.Equal(t, 10, reports[0].FilledQuantity)
	assert.Equal(t, domain.BrokerStatusOpen, reports[1].Status)
	assert.Equal(t, domain.BrokerStatusRejected, reports[2].Status)
	assert.Equal(t, domain.BrokerStatusCancelled, reports[3].Status)
	assert.Equal(t, 4990.0, reports[4].FilledPrice)
}

func TestBrokerStatus(t *testing.T) {
	assert.Equal(t, domain.BrokerStatusFilled, brokerStatus("fll"))
	assert.Equal(t, domain.BrokerStatusOpen, brokerStatus("FLP"))
	assert.Equal(t, domain.BrokerStatusCancelled, brokerStatus("EXP"))
	assert.Equal(t, domain.BrokerStatusCancelled, brokerStatus("UCN"))
	assert.Equal(t, domain.BrokerStatusOpen, brokerStatus("ACK"))
}

func TestTokenSourceCachesAndInvalidates(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		n := refreshes.Add(1)
		if n == 1 {
			assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		} else {
			assert.Equal(t, "rt-2", r.PostForm.Get("refresh_token"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + string(rune('0'+n)),
			"refresh_token": "rt-2",
			"expires_in":    1200,
		})
	}))
	defer srv.Close()

	ts := NewTokenSource(TokenSourceConfig{
		AuthURL:      srv.URL,
		ClientID:     "cid",
		RefreshToken: "rt-1",
		RefreshEarly: 5 * time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)

	tok, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, int32(1), refreshes.Load())

	ts.Invalidate()
	tok, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	assert.Equal(t, int32(2), refreshes.Load())
}

func TestTokenSourceExpiryWindow(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"at","expires_in":900}`)
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	ts := NewTokenSource(TokenSourceConfig{AuthURL: srv.URL, RefreshToken: "rt", RefreshEarly: 5 * time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background())
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())

	now = now.Add(2 * time.Minute)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), refreshes.Load(), "refreshes five minutes before expiry")
}

func TestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/marketdata/quotes/MESZ26", r.URL.Path)
		_, _ = io.WriteString(w, `{"Quotes":[{"Symbol":"MESZ26","Last":"5012.25","TradeTime":"2026-03-02T15:04:05Z"}]}`)
	})

	last, ts, err := c.Quote(context.Background(), "MESZ26")
	require.NoError(t, err)
	assert.Equal(t, 5012.25, last)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC), ts)
}

func TestQuoteEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Quotes":[]}`)
	})
	_, _, err := c.Quote(context.Background(), "MESZ26")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
