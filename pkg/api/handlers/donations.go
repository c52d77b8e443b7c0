package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apimw "github.com/TrustInBlood/roster-control/pkg/api/middleware"
	"github.com/TrustInBlood/roster-control/pkg/donations"
)

// DefaultDonationDuration applies when a webhook does not carry a
// duration of its own.
const DefaultDonationDuration = 30 * 24 * time.Hour

// DonationHandler accepts donation webhooks and records grants.
type DonationHandler struct {
	service *donations.Service
}

// NewDonationHandler creates a donation handler.
func NewDonationHandler(service *donations.Service) *DonationHandler {
	return &DonationHandler{service: service}
}

type donationRequest struct {
	DiscordID string `json:"discord_id"`
	SteamID   string `json:"steam_id,omitempty"`
	Tier      string `json:"tier,omitempty"`

	// Duration is a Go duration string like "720h". Optional.
	Duration string `json:"duration,omitempty"`

	Reference string `json:"reference,omitempty"`
}

// Create handles POST /api/v1/donations.
func (h *DonationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body")
		return
	}

	duration := DefaultDonationDuration
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			BadRequest(w, "invalid duration")
			return
		}
		duration = parsed
	}

	grant := donations.GrantRequest{
		DiscordID: req.DiscordID,
		SteamID:   req.SteamID,
		Tier:      req.Tier,
		Duration:  duration,
		Reference: req.Reference,
	}
	if claims := apimw.GetClaimsFromContext(r.Context()); claims != nil {
		grant.ActorID = claims.Username
		grant.ActorName = claims.Username
	}

	entry, err := h.service.Grant(r.Context(), grant)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, okResponse(entry))
}
