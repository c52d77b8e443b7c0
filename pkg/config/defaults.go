package config

import (
	"strings"
	"time"

	"github.com/TrustInBlood/roster-control/pkg/api"
	"github.com/TrustInBlood/roster-control/pkg/notify"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/cache"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/reconcile"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	applyDatabaseDefaults(&cfg.Database)
	applyAPIDefaults(&cfg.API)
	applyNotificationsDefaults(&cfg.Notifications)
	applySyncDefaults(&cfg.Sync)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyDatabaseDefaults sets whitelist database defaults.
func applyDatabaseDefaults(cfg *store.Config) {
	cfg.ApplyDefaults()
}

// applyAPIDefaults sets HTTP API server defaults.
// The API is always enabled; the whitelist lookup endpoint is the whole
// point of running the service.
func applyAPIDefaults(cfg *api.APIConfig) {
	cfg.ApplyDefaults()
}

// applyNotificationsDefaults sets webhook defaults.
func applyNotificationsDefaults(cfg *NotificationsConfig) {
	// WebhookURL has no default - empty disables notifications
	if cfg.Timeout == 0 {
		cfg.Timeout = notify.DefaultWebhookTimeout
	}
}

// applySyncDefaults sets reconciliation engine defaults.
func applySyncDefaults(cfg *SyncConfig) {
	if cfg.BulkBatchSize == 0 {
		cfg.BulkBatchSize = reconcile.DefaultBatchSize
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Database: store.Config{
			Type: store.DatabaseTypeSQLite, // Default to SQLite for single-bot
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
