package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidAPIPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.API.Port = 70000 // Out of range

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_NegativePort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.API.Port = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for negative port")
	}
}

func TestValidate_InvalidWebhookURL(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Notifications.WebhookURL = "not a url"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for malformed webhook URL")
	}
}

func TestValidate_DuplicateTierName(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Discord.GuildID = "guild-1"
	cfg.Discord.Tiers = []TierConfig{
		{Name: "member", RoleIDs: []string{"100"}},
		{Name: "Member", RoleIDs: []string{"200"}},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate tier name")
	}
	if !strings.Contains(err.Error(), "duplicate tier") {
		t.Errorf("Expected duplicate tier error, got: %v", err)
	}
}

func TestValidate_RoleMappedTwice(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Discord.GuildID = "guild-1"
	cfg.Discord.Tiers = []TierConfig{
		{Name: "member", RoleIDs: []string{"100"}},
		{Name: "moderator", RoleIDs: []string{"100"}},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for role mapped to two tiers")
	}
}

func TestValidate_TiersRequireGuildID(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Discord.Tiers = []TierConfig{
		{Name: "member", RoleIDs: []string{"100"}},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for tiers without guild_id")
	}
	if !strings.Contains(err.Error(), "guild_id") {
		t.Errorf("Expected guild_id error, got: %v", err)
	}
}

func TestValidate_TierWithoutRoles(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Discord.GuildID = "guild-1"
	cfg.Discord.Tiers = []TierConfig{
		{Name: "member"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for tier without role IDs")
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	// Validation accepts both uppercase and lowercase log levels
	testCases := []string{"info", "INFO", "debug", "DEBUG", "warn", "WARN", "error", "ERROR"}

	for _, level := range testCases {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level

		err := Validate(cfg)
		if err != nil {
			t.Errorf("Validation failed for level %q: %v", level, err)
		}

		// Validation should NOT normalize - level should remain as-is
		if cfg.Logging.Level != level {
			t.Errorf("Expected level to remain %q after validation, got %q", level, cfg.Logging.Level)
		}
	}

	// Normalization happens in ApplyDefaults
	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected ApplyDefaults to normalize 'info' to 'INFO', got %q", cfg.Logging.Level)
	}
}
