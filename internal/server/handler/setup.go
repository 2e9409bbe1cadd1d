package handler

import (
	"net/http"
	"strings"
)

// SetupToggles is the runtime per-setup enable switch.
type SetupToggles interface {
	Set(setup string, enabled bool)
	Enabled(setup string) bool
	Snapshot() map[string]bool
}

// SetupHandler serves the setup toggle endpoints.
type SetupHandler struct {
	setups SetupToggles
}

// NewSetupHandler creates a SetupHandler.
func NewSetupHandler(setups SetupToggles) *SetupHandler {
	return &SetupHandler{setups: setups}
}

// ListSetups returns every explicit toggle. Unlisted setups are enabled.
// GET /api/setups
func (h *SetupHandler) ListSetups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"setups": h.setups.Snapshot()})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// PutSetup enables or disables new entries for one setup. Open positions of
// the setup are not touched.
// PUT /api/setups/{setup}
func (h *SetupHandler) PutSetup(w http.ResponseWriter, r *http.Request) {
	setup := strings.TrimSpace(pathParam(r, "setup"))
	var req toggleRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	if setup == "" {
		writeError(w, http.StatusBadRequest, "setup is required")
		return
	}
	h.setups.Set(setup, *req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"setup": setup, "enabled": h.setups.Enabled(setup)})
}
