package handlers

import (
	"context"
	"net/http"

	apimw "github.com/TrustInBlood/roster-control/pkg/api/middleware"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/reconcile"
)

// BulkSyncer runs a whole-roster synchronization.
type BulkSyncer interface {
	BulkSync(ctx context.Context, members []roster.Member, opts reconcile.BulkOptions) (*reconcile.BulkReport, error)
}

// SyncHandler triggers bulk synchronization runs over the API.
type SyncHandler struct {
	syncer   BulkSyncer
	provider roster.Provider
	guildID  string
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(syncer BulkSyncer, provider roster.Provider, guildID string) *SyncHandler {
	return &SyncHandler{syncer: syncer, provider: provider, guildID: guildID}
}

// Trigger handles POST /api/v1/sync?dry_run=true. It fetches the current
// roster and reconciles every member, returning the aggregate report.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "no roster provider configured")
		return
	}

	members, err := h.provider.GuildMembers(r.Context(), h.guildID)
	if err != nil {
		InternalError(w, "failed to fetch roster")
		return
	}

	opts := reconcile.BulkOptions{
		GuildID: h.guildID,
		DryRun:  r.URL.Query().Get("dry_run") == "true",
	}
	if claims := apimw.GetClaimsFromContext(r.Context()); claims != nil {
		opts.ActorID = claims.Username
		opts.ActorName = claims.Username
	}

	report, err := h.syncer.BulkSync(r.Context(), members, opts)
	if err != nil {
		InternalError(w, "bulk sync failed")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(report))
}
