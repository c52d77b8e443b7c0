package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/api"
	"github.com/TrustInBlood/roster-control/pkg/config"
	"github.com/TrustInBlood/roster-control/pkg/donations"
	"github.com/TrustInBlood/roster-control/pkg/metrics"
	"github.com/TrustInBlood/roster-control/pkg/notify"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/cache"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/reconcile"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rosterd service",
	Long: `Start the rosterd whitelist service with the specified configuration.

The service exposes the whitelist lookup endpoint for game servers, the
admin API for identity links, audit, donations and bulk sync, and keeps
the whitelist database reconciled against incoming role changes.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/rosterd/config.yaml.

Examples:
  # Start with default config location
  rosterd start

  # Start with custom config file
  rosterd start --config /etc/rosterd/config.yaml

  # Start with environment variable overrides
  ROSTERD_LOGGING_LEVEL=DEBUG rosterd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics FIRST so everything created below registers
	// its collectors.
	var syncMetrics *metrics.SyncMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		syncMetrics = metrics.NewSyncMetrics()
		logger.Info("Metrics enabled")
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Initialize the whitelist store
	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize whitelist store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Whitelist store initialized", "type", cfg.Database.Type)

	// Whitelist lookup cache in front of the store
	checker := cache.New(st, cfg.Sync.CacheTTL, syncMetrics)
	logger.Info("Lookup cache configured", "ttl", cfg.Sync.CacheTTL)

	// Notification sink
	var sink notify.Sink = notify.LogSink{}
	if cfg.Notifications.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout)
		logger.Info("Notification webhook configured", "timeout", cfg.Notifications.Timeout)
	} else {
		logger.Info("No notification webhook configured, events go to the log")
	}

	// Roster provider. The Discord front-end that feeds role-change
	// events owns the gateway connection; when it exports a snapshot
	// file the service uses it for upgrade re-verification and the
	// departed-member sweep. Without one, both wait for the one-shot
	// sync command.
	var provider roster.Provider
	var verifier roster.Verifier
	if cfg.Sync.RosterSnapshotPath != "" {
		provider = roster.NewFileProvider(cfg.Sync.RosterSnapshotPath, cfg.Discord.TierResolver())
		verifier = roster.NewSnapshotVerifier(provider)
		logger.Info("Roster snapshot configured", "path", cfg.Sync.RosterSnapshotPath)
	} else {
		logger.Info("No roster snapshot configured, upgrades and cleanup run via the sync command")
	}

	// Reconciliation engine
	reconciler, err := reconcile.New(reconcile.Config{
		Store:       st,
		Verifier:    verifier,
		Sink:        sink,
		Metrics:     syncMetrics,
		Invalidator: checker,
		MaxRetries:  cfg.Sync.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	// Periodic departed-member sweep
	if provider != nil && cfg.Sync.CleanupInterval > 0 {
		go reconciler.RunCleanupLoop(ctx, provider, cfg.Discord.GuildID, cfg.Sync.CleanupInterval)
		logger.Info("Departed cleanup loop started", "interval", cfg.Sync.CleanupInterval)
	}

	// Donation grants
	donationSvc, err := donations.New(st, sink, checker)
	if err != nil {
		return fmt.Errorf("failed to create donation service: %w", err)
	}

	deps := api.Deps{
		Store:     st,
		Checker:   checker,
		Syncer:    reconciler,
		GuildID:   cfg.Discord.GuildID,
		Donations: donationSvc,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = metrics.Handler()
	}

	apiServer, err := api.NewServer(cfg.API, deps)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	logger.Info("API server configured", "port", cfg.API.Port)

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Service is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Service stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Service stopped")
	}

	return nil
}
