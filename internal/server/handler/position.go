package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// PositionService is the part of the position tracker the handler needs.
type PositionService interface {
	Active() []domain.PositionRecord
	Get(ctx context.Context, signalID string) (domain.PositionRecord, error)
	ForceFlatten(ctx context.Context, signalID, reason string) error
	MoveStop(ctx context.Context, signalID string, price float64) (bool, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []domain.PositionRecord `json:"positions"`
}

// ListPositions returns the active set, oldest first.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.Active()
	if positions == nil {
		positions = []domain.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one record, active or persisted.
// GET /api/positions/{signal_id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	rec, err := h.positions.Get(r.Context(), pathParam(r, "signal_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type flattenRequest struct {
	Reason string `json:"reason"`
}

// Flatten cancels the working legs of a position and exits its open
// quantity at market.
// POST /api/positions/{signal_id}/flatten
func (h *PositionHandler) Flatten(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "signal_id")
	req := flattenRequest{Reason: "manual"}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if _, err := h.positions.Get(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := h.positions.ForceFlatten(r.Context(), id, req.Reason); err != nil {
		h.logger.ErrorContext(r.Context(), "flatten failed",
			slog.String("signal_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	rec, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"signal_id": id, "status": string(domain.StatusClosed)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type moveStopRequest struct {
	StopPrice float64 `json:"stop_price"`
}

// MoveStop replaces the working stop of a filled position at a new price.
// POST /api/positions/{signal_id}/stop
func (h *PositionHandler) MoveStop(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "signal_id")
	var req moveStopRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := h.positions.MoveStop(r.Context(), id, req.StopPrice); err != nil {
		h.logger.WarnContext(r.Context(), "stop move failed",
			slog.String("signal_id", id),
			slog.Float64("stop_price", req.StopPrice),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	rec, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
