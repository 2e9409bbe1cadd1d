package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/bracketbot/internal/domain"
	"github.com/alanyoungcy/bracketbot/internal/feed"
)

// SignalService opens positions and applies outcome events.
type SignalService interface {
	Submit(ctx context.Context, sig domain.TradeSignal) (domain.PositionRecord, error)
	Outcome(ctx context.Context, ev domain.OutcomeEvent) error
}

// SignalHandler accepts manually injected signals and outcomes.
type SignalHandler struct {
	signals SignalService
	now     func() time.Time
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(signals SignalService) *SignalHandler {
	return &SignalHandler{signals: signals, now: time.Now}
}

// PostSignal runs a signal through the executor. A missing signal_id is
// generated.
// POST /api/signals
func (h *SignalHandler) PostSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.TradeSignal
	if err := decodeJSON(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if sig.SignalID == "" {
		sig.SignalID = "manual-" + uuid.NewString()
	}
	if err := feed.NormalizeSignal(&sig, h.now().UTC()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.signals.Submit(r.Context(), sig)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// PostOutcome flattens the position named by an outcome event.
// POST /api/outcomes
func (h *SignalHandler) PostOutcome(w http.ResponseWriter, r *http.Request) {
	var ev domain.OutcomeEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := feed.NormalizeOutcome(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.signals.Outcome(r.Context(), ev); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}
