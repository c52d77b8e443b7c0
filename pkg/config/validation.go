package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for invalid or inconsistent values.
//
// Struct-level rules come from the `validate` tags; cross-field rules
// (duplicate tier names, role IDs mapped to several tiers) are checked
// here because tags cannot express them.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			return err
		}

		messages := make([]string, 0, len(errs))
		for _, fe := range errs {
			messages = append(messages, fmt.Sprintf("%s: failed %q validation (value: %v)",
				fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(messages, "\n  "))
	}

	if err := validateDiscord(&cfg.Discord); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

func validateDiscord(cfg *DiscordConfig) error {
	seenTier := make(map[string]bool, len(cfg.Tiers))
	seenRole := make(map[string]string, len(cfg.Tiers))

	for _, tc := range cfg.Tiers {
		name := strings.ToLower(tc.Name)
		if seenTier[name] {
			return fmt.Errorf("discord: duplicate tier name %q", tc.Name)
		}
		seenTier[name] = true

		for _, id := range tc.RoleIDs {
			if other, ok := seenRole[id]; ok {
				return fmt.Errorf("discord: role %s mapped to both %q and %q", id, other, tc.Name)
			}
			seenRole[id] = tc.Name
		}
	}

	if len(cfg.Tiers) > 0 && cfg.GuildID == "" {
		return fmt.Errorf("discord: guild_id is required when tiers are configured")
	}

	return nil
}
