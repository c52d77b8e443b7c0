package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/api/auth"
	"github.com/TrustInBlood/roster-control/pkg/api/handlers"
	apiMiddleware "github.com/TrustInBlood/roster-control/pkg/api/middleware"
	"github.com/TrustInBlood/roster-control/pkg/donations"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	// Store is the whitelist persistence layer. Required.
	Store *store.GORMStore

	// Checker answers whitelist lookups; normally the caching layer.
	// Falls back to Store when nil.
	Checker handlers.Checker

	// Syncer runs bulk synchronizations. Optional; the sync endpoint
	// returns 503 without one.
	Syncer handlers.BulkSyncer

	// Provider fetches the guild roster for bulk sync. Optional.
	Provider roster.Provider

	// GuildID is the Discord guild the sync endpoint operates on.
	GuildID string

	// Donations records donation grants. Optional; the donations
	// endpoint is not mounted without it.
	Donations *donations.Service

	// MetricsHandler serves Prometheus metrics. Optional.
	MetricsHandler http.Handler
}

// NewRouter creates and configures the chi router with all middleware
// and routes.
//
// Routes:
//   - GET  /health              - liveness probe
//   - GET  /health/ready        - readiness probe
//   - GET  /whitelist/{steamID} - whitelist lookup (game-server hot path)
//   - POST /api/v1/auth/login   - admin authentication
//   - POST /api/v1/auth/refresh - token refresh
//   - GET  /api/v1/auth/me      - current identity
//   - GET  /api/v1/status       - active entry counts (admin)
//   - /api/v1/links/*           - identity link management (admin)
//   - /api/v1/members/*         - per-member entries, links, audit (admin)
//   - GET  /api/v1/audit        - audit trail (admin)
//   - POST /api/v1/sync         - trigger bulk sync (admin)
//   - POST /api/v1/donations    - donation webhook (admin token)
func NewRouter(deps Deps, jwtService *auth.JWTService, adminUser, adminHash string) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(deps.Store)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	checker := deps.Checker
	if checker == nil {
		checker = deps.Store
	}
	whitelistHandler := handlers.NewWhitelistHandler(checker, deps.Store)

	// Whitelist lookup is unauthenticated: game servers poll it on every
	// connection attempt and cannot carry admin tokens.
	r.Get("/whitelist/{steamID}", whitelistHandler.Check)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	authHandler := handlers.NewAuthHandler(jwtService, adminUser, adminHash)
	linkHandler := handlers.NewLinkHandler(deps.Store)
	auditHandler := handlers.NewAuditHandler(deps.Store)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(apiMiddleware.JWTAuth(jwtService))
				r.Get("/me", authHandler.Me)
			})
		})

		// Protected routes - admin only
		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.JWTAuth(jwtService))
			r.Use(apiMiddleware.RequireAdmin())

			r.Get("/status", whitelistHandler.Status)

			r.Post("/links", linkHandler.Create)

			r.Route("/members/{discordID}", func(r chi.Router) {
				r.Get("/entries", whitelistHandler.MemberEntries)
				r.Get("/links", linkHandler.List)
				r.Delete("/links/{steamID}", linkHandler.Delete)
				r.Get("/audit", auditHandler.ForTarget)
			})

			r.Get("/audit", auditHandler.List)

			if deps.Syncer != nil {
				syncHandler := handlers.NewSyncHandler(deps.Syncer, deps.Provider, deps.GuildID)
				r.Post("/sync", syncHandler.Trigger)
			}

			if deps.Donations != nil {
				donationHandler := handlers.NewDonationHandler(deps.Donations)
				r.Post("/donations", donationHandler.Create)
			}
		})
	})

	return r
}

// isQuietPath returns true if the request path is a healthcheck or
// whitelist-poll endpoint.
func isQuietPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") ||
		strings.HasPrefix(path, "/whitelist/")
}

// requestLogger logs requests using the internal logger.
//
// Healthcheck and whitelist-poll requests are logged at DEBUG level:
// game servers poll the whitelist every few seconds and would otherwise
// drown the log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if isQuietPath(r.URL.Path) {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
