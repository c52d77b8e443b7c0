package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/TrustInBlood/roster-control/pkg/api"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// Config represents the rosterd configuration.
//
// This structure captures the static configuration of the whitelist
// service:
//   - Logging configuration
//   - Server settings (shutdown timeout, metrics, API)
//   - Database connection (whitelist persistence)
//   - Discord guild and role-to-tier mapping
//   - Notification webhook
//   - Sync engine tuning (batching, cleanup, cache)
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (ROSTERD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the whitelist database (SQLite or PostgreSQL).
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the admin/lookup HTTP API configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Discord contains the guild ID and role-to-tier mapping
	Discord DiscordConfig `mapstructure:"discord" yaml:"discord"`

	// Notifications configures the outbound event webhook
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`

	// Sync tunes the reconciliation engine
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DiscordConfig describes the guild being tracked and how its role set
// maps onto access tiers.
type DiscordConfig struct {
	// GuildID is the Discord guild whose roles drive the whitelist.
	GuildID string `mapstructure:"guild_id" yaml:"guild_id"`

	// Tiers maps role IDs to access tiers. When a member's roles match
	// more than one tier, the highest priority wins.
	Tiers []TierConfig `mapstructure:"tiers" validate:"omitempty,dive" yaml:"tiers"`
}

// TierConfig binds a set of Discord role IDs to one access tier.
type TierConfig struct {
	// Name is the tier label, e.g. "member" or "moderator".
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// Staff marks elevated tiers that require a verified identity link.
	Staff bool `mapstructure:"staff" yaml:"staff"`

	// Priority orders tiers when a member matches several; higher wins.
	Priority int `mapstructure:"priority" yaml:"priority"`

	// RoleIDs are the Discord role IDs granting this tier.
	RoleIDs []string `mapstructure:"role_ids" validate:"required,min=1" yaml:"role_ids"`
}

// TierResolver builds a roster.TierResolver from the configured mapping.
// The returned resolver picks the highest-priority tier among the roles
// held, or nil when no tracked role is present.
func (c *DiscordConfig) TierResolver() roster.TierResolver {
	byRole := make(map[string]*roster.Tier, len(c.Tiers))
	for _, tc := range c.Tiers {
		tier := &roster.Tier{Name: tc.Name, Staff: tc.Staff, Priority: tc.Priority}
		for _, id := range tc.RoleIDs {
			byRole[id] = tier
		}
	}

	return func(roleIDs []string) *roster.Tier {
		var best *roster.Tier
		for _, id := range roleIDs {
			tier, ok := byRole[id]
			if !ok {
				continue
			}
			if best == nil || tier.Priority > best.Priority {
				best = tier
			}
		}
		return best
	}
}

// NotificationsConfig configures the outbound webhook for whitelist
// change events. An empty URL disables notifications.
type NotificationsConfig struct {
	// WebhookURL is the endpoint events are posted to.
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url" yaml:"webhook_url"`

	// Timeout bounds each webhook delivery attempt.
	// Default: 10s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	// BulkBatchSize is how many members reconcile concurrently during a
	// bulk sync.
	// Default: 10
	BulkBatchSize int `mapstructure:"bulk_batch_size" validate:"omitempty,min=1" yaml:"bulk_batch_size"`

	// BulkBatchPause is the pause between bulk sync batches, giving the
	// database room to breathe on large guilds.
	BulkBatchPause time.Duration `mapstructure:"bulk_batch_pause" yaml:"bulk_batch_pause"`

	// CleanupInterval is how often the departed-member sweep runs.
	// Zero disables the background sweep.
	// Default: 1h
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	// CacheTTL bounds how stale a cached whitelist lookup may be.
	// Default: 30s
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// RosterSnapshotPath optionally points at a roster snapshot JSON
	// file exported by the Discord front-end. When set, the service
	// re-verifies role membership against it before upgrading blocked
	// entries and drives the periodic departed-member sweep from it.
	// Empty leaves both to the one-shot sync command.
	RosterSnapshotPath string `mapstructure:"roster_snapshot_path" yaml:"roster_snapshot_path,omitempty"`

	// MaxRetries is how many times a conflicting reconciliation is
	// retried before giving up.
	// Default: 3
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0" yaml:"max_retries"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ROSTERD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  rosterd init\n\n"+
				"Or specify a custom config file:\n"+
				"  rosterd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  rosterd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Config files may contain the JWT secret and the admin password
	// hash, so keep them owner-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the ROSTERD_ prefix and underscores
	// Example: ROSTERD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("ROSTERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/rosterd/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "rosterd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "rosterd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
