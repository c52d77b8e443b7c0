package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// Checker answers whitelist membership lookups. The router normally
// wires the caching layer here so game-server polling stays off the
// database.
type Checker interface {
	IsWhitelisted(ctx context.Context, steamID string) (bool, error)
}

// WhitelistHandler serves whitelist lookups and per-member entry views.
type WhitelistHandler struct {
	checker Checker
	store   *store.GORMStore
}

// NewWhitelistHandler creates a whitelist handler.
func NewWhitelistHandler(checker Checker, st *store.GORMStore) *WhitelistHandler {
	return &WhitelistHandler{checker: checker, store: st}
}

// Check handles GET /whitelist/{steamID}. This is the hot path polled by
// game servers on every connection attempt.
func (h *WhitelistHandler) Check(w http.ResponseWriter, r *http.Request) {
	steamID := chi.URLParam(r, "steamID")
	if steamID == "" {
		BadRequest(w, "steam id is required")
		return
	}

	allowed, err := h.checker.IsWhitelisted(r.Context(), steamID)
	if err != nil {
		InternalError(w, "whitelist lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"steam_id":    steamID,
		"whitelisted": allowed,
	}))
}

// MemberEntries handles GET /api/v1/members/{discordID}/entries and
// returns the member's active whitelist entries.
func (h *WhitelistHandler) MemberEntries(w http.ResponseWriter, r *http.Request) {
	discordID := chi.URLParam(r, "discordID")
	if discordID == "" {
		BadRequest(w, "discord id is required")
		return
	}

	entries, err := h.store.ActiveEntriesByDiscordID(r.Context(), discordID)
	if err != nil {
		InternalError(w, "failed to load entries")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"discord_id": discordID,
		"entries":    entries,
	}))
}

// Status handles GET /api/v1/status and reports active entry counts per
// grant source.
func (h *WhitelistHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountActiveBySource(r.Context())
	if err != nil {
		InternalError(w, "failed to count entries")
		return
	}

	total := int64(0)
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"active_total":     total,
		"active_by_source": counts,
	}))
}
