package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

const defaultAuditLimit = 50

// AuditHandler serves the append-only audit trail.
type AuditHandler struct {
	store *store.GORMStore
}

// NewAuditHandler creates an audit handler.
func NewAuditHandler(st *store.GORMStore) *AuditHandler {
	return &AuditHandler{store: st}
}

// List handles GET /api/v1/audit?action=ROLE_SYNC&limit=50 and returns
// the most recent records first.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	action := r.URL.Query().Get("action")

	records, err := h.store.ListAudit(r.Context(), action, limit)
	if err != nil {
		InternalError(w, "failed to list audit records")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"records": records,
	}))
}

// ForTarget handles GET /api/v1/audit/members/{discordID} and returns the
// audit history for one subject.
func (h *AuditHandler) ForTarget(w http.ResponseWriter, r *http.Request) {
	discordID := chi.URLParam(r, "discordID")
	limit := parseLimit(r.URL.Query().Get("limit"))

	records, err := h.store.AuditForTarget(r.Context(), discordID, limit)
	if err != nil {
		InternalError(w, "failed to list audit records")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"discord_id": discordID,
		"records":    records,
	}))
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultAuditLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultAuditLimit
	}
	return limit
}
