package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/executor"
	"github.com/alanyoungcy/bracketbot/internal/server/handler"
	"github.com/alanyoungcy/bracketbot/internal/server/ws"
)

type fakeTracker struct {
	mu        sync.Mutex
	active    map[string]domain.PositionRecord
	flattened []string
}

func (f *fakeTracker) Active() []domain.PositionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PositionRecord
	for _, r := range f.active {
		out = append(out, r)
	}
	return out
}

func (f *fakeTracker) Get(_ context.Context, id string) (domain.PositionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.active[id]
	if !ok {
		return domain.PositionRecord{}, fmt.Errorf("tracker: %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (f *fakeTracker) ForceFlatten(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.active[id]
	r.Status = domain.StatusClosed
	r.CloseReason = reason
	f.active[id] = r
	f.flattened = append(f.flattened, id)
	return nil
}

func (f *fakeTracker) MoveStop(_ context.Context, id string, price float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.active[id]
	if !ok {
		return false, fmt.Errorf("tracker: %s: %w", id, domain.ErrNotFound)
	}
	if r.Status != domain.StatusFilled {
		return false, fmt.Errorf("tracker: %s: %w", id, domain.ErrNotFilled)
	}
	if price <= 0 {
		return false, fmt.Errorf("tracker: stop %v: %w", price, domain.ErrInvalidOrder)
	}
	r.StopPrice = price
	f.active[id] = r
	return true, nil
}

type fakeSignals struct {
	submitted []domain.TradeSignal
	outcomes  []domain.OutcomeEvent
	err       error
}

func (f *fakeSignals) Submit(_ context.Context, sig domain.TradeSignal) (domain.PositionRecord, error) {
	if f.err != nil {
		return domain.PositionRecord{}, f.err
	}
	f.submitted = append(f.submitted, sig)
	return domain.PositionRecord{SignalID: sig.SignalID, Status: domain.StatusPendingEntry}, nil
}

func (f *fakeSignals) Outcome(_ context.Context, ev domain.OutcomeEvent) error {
	f.outcomes = append(f.outcomes, ev)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type fixture struct {
	srv     *httptest.Server
	tracker *fakeTracker
	signals *fakeSignals
	setups  *executor.Setups
}

func newFixture(t *testing.T, apiKey string, limiter domain.RateLimiter, hub *ws.Hub) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := &fakeTracker{active: map[string]domain.PositionRecord{
		"s1": {SignalID: "s1", SetupID: "GEX Long", Status: domain.StatusFilled},
	}}
	sigs := &fakeSignals{}
	setups := executor.NewSetups(nil)

	s := NewServer(Config{APIKey: apiKey, RateLimit: 10, RateWindow: time.Second}, Handlers{
		Health:    handler.NewHealthHandler(logger),
		Status:    handler.NewStatusHandler("paper", tr, setups, nil, map[string]string{"mode": "paper"}, logger),
		Positions: handler.NewPositionHandler(tr, logger),
		Signals:   handler.NewSignalHandler(sigs),
		Setups:    handler.NewSetupHandler(setups),
	}, hub, limiter, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, tracker: tr, signals: sigs, setups: setups}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPositionRoutes(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	resp, body := f.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["positions"], 1)

	resp, body = f.do(t, http.MethodGet, "/api/positions/s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body["signal_id"])

	resp, _ = f.do(t, http.MethodGet, "/api/positions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/positions/s1/flatten", `{"reason":"operator"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CLOSED", body["status"])
	assert.Equal(t, "operator", body["close_reason"])
	assert.Equal(t, []string{"s1"}, f.tracker.flattened)
}

func TestMoveStopRoute(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	resp, body := f.do(t, http.MethodPost, "/api/positions/s1/stop", `{"stop_price":5001.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5001.5, body["stop_price"])

	resp, _ = f.do(t, http.MethodPost, "/api/positions/s1/stop", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/positions/nope/stop", `{"stop_price":5000}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.tracker.mu.Lock()
	f.tracker.active["s2"] = domain.PositionRecord{SignalID: "s2", Status: domain.StatusPendingEntry}
	f.tracker.mu.Unlock()
	resp, _ = f.do(t, http.MethodPost, "/api/positions/s2/stop", `{"stop_price":5000}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSignalRoutes(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	resp, body := f.do(t, http.MethodPost, "/api/signals",
		`{"setup_id":"GEX Long","direction":"LONG","reference_price":5000,"stop_distance":10,"target_distances":[10,0]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, f.signals.submitted, 1)
	assert.True(t, strings.HasPrefix(f.signals.submitted[0].SignalID, "manual-"))
	assert.Equal(t, domain.DirectionLong, f.signals.submitted[0].Direction)
	assert.Equal(t, f.signals.submitted[0].SignalID, body["signal_id"])

	resp, _ = f.do(t, http.MethodPost, "/api/signals", `{"setup_id":"x","direction":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.signals.err = fmt.Errorf("executor: %w", domain.ErrBlocked)
	resp, _ = f.do(t, http.MethodPost, "/api/signals", `{"signal_id":"s9","setup_id":"x","direction":"short"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/outcomes", `{"signal_id":"s1","outcome":"win"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []domain.OutcomeEvent{{SignalID: "s1", Outcome: domain.OutcomeWin}}, f.signals.outcomes)
}

func TestSetupToggleAndStatus(t *testing.T) {
	f := newFixture(t, "", nil, nil)

	resp, _ := f.do(t, http.MethodPut, "/api/setups/GEX%20Long", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.setups.Enabled("GEX Long"))

	resp, _ = f.do(t, http.MethodPut, "/api/setups/GEX%20Long", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paper", body["mode"])
	assert.EqualValues(t, 1, body["active_positions"])
	assert.Equal(t, map[string]any{"GEX Long": false}, body["setups"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret", nil, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/positions", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/positions", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/positions", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, "", denyAll{}, nil)
	resp, _ := f.do(t, http.MethodGet, "/api/positions", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "secret", nil, nil)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWebsocketStream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(func() []domain.PositionRecord {
		return []domain.PositionRecord{{SignalID: "s1"}}
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	f := newFixture(t, "", nil, hub)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "snapshot", frame["type"])

	// Registration happens before the pumps start, so the event reaches us.
	hub.Publish(ctx, domain.PositionEvent{Type: domain.EventClosed, Record: domain.PositionRecord{SignalID: "s1"}})
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, string(domain.EventClosed), frame["type"])
}
