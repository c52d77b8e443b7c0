package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// LinkHandler manages identity links between Discord and game accounts.
type LinkHandler struct {
	store *store.GORMStore
}

// NewLinkHandler creates a link handler.
func NewLinkHandler(st *store.GORMStore) *LinkHandler {
	return &LinkHandler{store: st}
}

type createLinkRequest struct {
	DiscordID  string  `json:"discord_id"`
	SteamID    string  `json:"steam_id"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`

	// Force allows an administrator to lower an existing confidence.
	Force bool `json:"force"`
}

// Create handles POST /api/v1/links. Creating a link with a confidence
// equal to or above an existing one raises it; lowering requires force.
func (h *LinkHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}
	if req.DiscordID == "" || req.SteamID == "" {
		BadRequest(w, "discord_id and steam_id are required")
		return
	}
	source := models.LinkSource(req.Source)
	if req.Source == "" {
		source = models.LinkSourceManual
	}

	link, err := h.store.CreateOrUpdateLink(r.Context(), req.DiscordID, req.SteamID, req.Confidence, source, req.Force)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateLink) {
			WriteProblem(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		BadRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, okResponse(link))
}

// List handles GET /api/v1/members/{discordID}/links.
func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	discordID := chi.URLParam(r, "discordID")
	links, err := h.store.ListLinks(r.Context(), discordID)
	if err != nil {
		InternalError(w, "failed to list links")
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"discord_id": discordID,
		"links":      links,
	}))
}

// Delete handles DELETE /api/v1/members/{discordID}/links/{steamID}.
func (h *LinkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	discordID := chi.URLParam(r, "discordID")
	steamID := chi.URLParam(r, "steamID")

	if err := h.store.DeleteLink(r.Context(), discordID, steamID); err != nil {
		if errors.Is(err, models.ErrLinkNotFound) {
			NotFound(w, "link not found")
			return
		}
		InternalError(w, "failed to delete link")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
