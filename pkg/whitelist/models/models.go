// Package models provides shared domain types for the roster-control
// whitelist subsystem.
//
// This package contains the data models for identity links, whitelist
// entries, and audit records. It provides a single source of truth for
// domain types with GORM annotations for database persistence.
package models

// AllModels returns all models for GORM auto-migration.
func AllModels() []any {
	return []any{
		&IdentityLink{},
		&WhitelistEntry{},
		&AuditRecord{},
	}
}
