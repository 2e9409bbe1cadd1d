// Package ws streams position events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 512

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// replayLimit caps the stream entries replayed on connect. It leaves
	// room in the send buffer for the snapshot.
	replayLimit = sendBufferSize - 1
)

// upgrader accepts any origin; the API key middleware guards /ws.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client represents a single websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// envelope is the frame every client receives. ID is the stream entry id
// of replayed frames.
type envelope struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload"`
}

// StreamReader reads the durable position event stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// Hub fans position events out to connected clients. A new client first
// receives a snapshot of the active set.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	snapshot   func() []domain.PositionRecord
	replay     StreamReader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. snapshot returns the active positions sent on
// connect and may be nil.
func NewHub(snapshot func() []domain.PositionRecord, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// WithReplay lets clients that reconnect with a last_id query receive the
// stream entries they missed.
func (h *Hub) WithReplay(r StreamReader) *Hub {
	h.replay = r
	return h
}

// Publish is a tracker event hook. It never blocks; events are dropped when
// the hub is saturated or stopped.
func (h *Hub) Publish(_ context.Context, ev domain.PositionEvent) {
	data, err := json.Marshal(envelope{Type: string(ev.Type), Payload: ev})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ws: hub saturated, dropping event", slog.String("type", string(ev.Type)))
	}
}

// Run handles registration and broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	if h.snapshot != nil {
		if data, err := json.Marshal(envelope{Type: "snapshot", Payload: h.snapshot()}); err == nil {
			c.send <- data
		}
	}
	if lastID := r.URL.Query().Get("last_id"); lastID != "" && h.replay != nil {
		h.replayTo(r.Context(), c, lastID)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// replayTo queues the stream entries after lastID for c.
func (h *Hub) replayTo(ctx context.Context, c *client, lastID string) {
	msgs, err := h.replay.StreamRead(ctx, domain.StreamPositions, lastID, replayLimit)
	if err != nil {
		h.logger.Warn("ws: replay failed",
			slog.String("last_id", lastID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, m := range msgs {
		data, err := json.Marshal(envelope{Type: "replay", ID: m.ID, Payload: json.RawMessage(m.Payload)})
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

// clientCount returns the number of connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump discards inbound frames and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump sends queued frames as text messages and pings on an interval.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
