package models

import (
	"fmt"
	"time"
)

// VerifiedConfidence is the confidence score assigned to links proven by a
// cryptographic/self-service verification flow. Anything below this value
// is an unverified "soft" association.
const VerifiedConfidence = 1.0

// LinkSource describes how an identity link was first observed.
type LinkSource string

const (
	// LinkSourceManual is an association created by an administrator.
	LinkSourceManual LinkSource = "manual"

	// LinkSourceTicket is an association extracted from a support ticket.
	LinkSourceTicket LinkSource = "ticket"

	// LinkSourceVerified is a self-service verified association.
	LinkSourceVerified LinkSource = "verified"
)

// IsValid returns true if this is a known link source.
func (s LinkSource) IsValid() bool {
	switch s {
	case LinkSourceManual, LinkSourceTicket, LinkSourceVerified:
		return true
	default:
		return false
	}
}

// IdentityLink is a confidence-scored association between a Discord account
// and a Steam account.
//
// For a given Discord ID at most one link has IsPrimary=true. The primary
// is the link with the highest confidence, ties broken by most recent
// creation. Links are updated in place when a stronger signal arrives for
// the same pair and are never hard-deleted except by explicit
// administrative action.
type IdentityLink struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	DiscordID  string    `gorm:"uniqueIndex:idx_identity_links_pair;index;not null;size:32" json:"discord_id"`
	SteamID    string    `gorm:"uniqueIndex:idx_identity_links_pair;index;not null;size:20" json:"steam_id"`
	Confidence float64   `gorm:"not null;default:0" json:"confidence"`
	Source     string    `gorm:"not null;size:20" json:"source"`
	IsPrimary  bool      `gorm:"not null;default:false;index" json:"is_primary"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for IdentityLink.
func (IdentityLink) TableName() string {
	return "identity_links"
}

// Verified returns true if the link meets the verified confidence bar.
func (l *IdentityLink) Verified() bool {
	return l.Confidence >= VerifiedConfidence
}

// Validate checks if the link has valid attributes.
func (l *IdentityLink) Validate() error {
	if l.DiscordID == "" {
		return fmt.Errorf("discord id is required")
	}
	if l.SteamID == "" {
		return fmt.Errorf("steam id is required")
	}
	if l.Confidence < 0 || l.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", l.Confidence)
	}
	if l.Source != "" && !LinkSource(l.Source).IsValid() {
		return fmt.Errorf("invalid link source %q", l.Source)
	}
	return nil
}

// StrongerThan reports whether this link should win a primary election
// against other: higher confidence wins, ties broken by most recent
// creation.
func (l *IdentityLink) StrongerThan(other *IdentityLink) bool {
	if l.Confidence != other.Confidence {
		return l.Confidence > other.Confidence
	}
	return l.CreatedAt.After(other.CreatedAt)
}
