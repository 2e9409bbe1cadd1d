// Package server exposes the HTTP status and control API, Prometheus
// metrics and the websocket position stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/server/handler"
	"github.com/alanyoungcy/bracketbot/internal/server/middleware"
	"github.com/alanyoungcy/bracketbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit caps requests per client IP per RateWindow when a limiter
	// is supplied.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Audit may be
// nil.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Signals   *handler.SignalHandler
	Setups    *handler.SetupHandler
	Audit     *handler.AuditHandler
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in rate limiting, auth,
// request logging and CORS, outermost last. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{signal_id}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{signal_id}/flatten", handlers.Positions.Flatten)
	mux.HandleFunc("POST /api/positions/{signal_id}/stop", handlers.Positions.MoveStop)

	mux.HandleFunc("POST /api/signals", handlers.Signals.PostSignal)
	mux.HandleFunc("POST /api/outcomes", handlers.Signals.PostOutcome)

	mux.HandleFunc("GET /api/setups", handlers.Setups.ListSetups)
	mux.HandleFunc("PUT /api/setups/{setup}", handlers.Setups.PutSetup)

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
