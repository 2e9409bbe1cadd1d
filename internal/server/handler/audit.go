package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// AuditHandler serves the audit log.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit")}
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?limit=&offset=
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
