package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// StatusSource reports the live state shown on the status endpoint.
type StatusSource interface {
	Active() []domain.PositionRecord
}

// CounterSource returns today's compliance counters.
type CounterSource interface {
	Counters(ctx context.Context) (domain.ComplianceCounters, error)
}

// StatusHandler serves the backend status for operators.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	tracker   StatusSource
	setups    SetupToggles
	counters  CounterSource
	config    any
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. config is rendered as-is and
// must already be redacted; counters may be nil.
func NewStatusHandler(mode string, tracker StatusSource, setups SetupToggles, counters CounterSource, config any, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: time.Now().UTC(),
		tracker:   tracker,
		setups:    setups,
		counters:  counters,
		config:    config,
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus responds with mode, uptime, toggles, active count, compliance
// counters and the redacted configuration.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":             h.mode,
		"started_at":       h.startedAt.Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
		"active_positions": len(h.tracker.Active()),
		"setups":           h.setups.Snapshot(),
		"config":           h.config,
	}
	if h.counters != nil {
		c, err := h.counters.Counters(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "load compliance counters", slog.String("error", err.Error()))
		} else {
			resp["compliance"] = c
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
