package models

import (
	"fmt"
	"time"
)

// GrantSource categorizes where a whitelist entry came from.
type GrantSource string

const (
	// SourceRole is the projection of a Discord role-membership fact.
	SourceRole GrantSource = "role"

	// SourceManual is an entry created by an administrator.
	SourceManual GrantSource = "manual"

	// SourceDonation is a time-limited entry granted for a donation.
	SourceDonation GrantSource = "donation"

	// SourceTicket is an entry created through a support ticket flow.
	SourceTicket GrantSource = "ticket"
)

// IsValid returns true if this is a known grant source.
func (s GrantSource) IsValid() bool {
	switch s {
	case SourceRole, SourceManual, SourceDonation, SourceTicket:
		return true
	default:
		return false
	}
}

// GrantType describes the access level category of an entry.
type GrantType string

const (
	// GrantTypeMember is plain server access with no elevated privileges.
	GrantTypeMember GrantType = "member"

	// GrantTypeStaff is elevated access (admin/moderator tiers). Staff
	// grants require a verified identity link.
	GrantTypeStaff GrantType = "staff"
)

// Revocation reasons recorded on revoked entries.
const (
	ReasonRoleRemoved            = "role_removed"
	ReasonDuplicate              = "duplicate"
	ReasonUserLeft               = "user_left_community"
	ReasonInsufficientConfidence = "insufficient_confidence"
)

// Metadata keys used on whitelist entries. Every reconciliation transition
// leaves its provenance here so state history is reconstructable for audit.
const (
	// MetaRequiresLink marks an unlinked placeholder: the role grant is
	// recorded but cannot activate until the subject links an account.
	MetaRequiresLink = "requires_identity_link"

	// MetaSecurityBlocked marks an entry denied by the confidence gate.
	MetaSecurityBlocked = "security_blocked"

	// MetaActualConfidence records the link confidence at block time.
	MetaActualConfidence = "actual_confidence"

	// MetaRequiredConfidence records the confidence bar that was not met.
	MetaRequiredConfidence = "required_confidence"

	// MetaUpgraded marks an entry that was flipped to active after the
	// subject's link confidence later rose to the verified bar.
	MetaUpgraded = "upgraded"

	// MetaUpgradedAt records when the upgrade happened (RFC 3339).
	MetaUpgradedAt = "upgraded_at"

	// MetaSyncSource records which driver wrote the entry (event, bulk).
	MetaSyncSource = "sync_source"

	// MetaGuildID records the Discord guild the role was observed in.
	MetaGuildID = "guild_id"
)

// WhitelistEntry is a row in the access-grant ledger.
//
// SteamID is a denormalized snapshot of the subject's primary identity link
// taken at write time, not a live foreign key. It can go stale between
// reconciliations by design and is refreshed whenever the engine touches
// the row.
//
// The meaningful flag combinations:
//   - Approved=true,  Revoked=false: grants access (subject to ExpiresAt)
//   - Approved=false, Revoked=false: unlinked placeholder awaiting a link
//   - Approved=false, Revoked=true:  security-blocked record kept for audit
//   - Approved=true,  Revoked=true:  a past grant that has been revoked
type WhitelistEntry struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	DiscordID     string     `gorm:"index;not null;size:32" json:"discord_id"`
	SteamID       string     `gorm:"index;size:20" json:"steam_id,omitempty"`
	AccessTier    string     `gorm:"size:100" json:"access_tier"`
	GrantType     string     `gorm:"size:20" json:"grant_type"`
	Source        string     `gorm:"index;not null;size:20" json:"source"`
	Approved      bool       `gorm:"not null;default:false" json:"approved"`
	Revoked       bool       `gorm:"not null;default:false" json:"revoked"`
	GrantedAt     time.Time  `gorm:"autoCreateTime" json:"granted_at"`
	GrantedBy     string     `gorm:"size:64" json:"granted_by,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     string     `gorm:"size:64" json:"revoked_by,omitempty"`
	RevokedReason string     `gorm:"size:100" json:"revoked_reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"` // nil means permanent
	Metadata      JSONMap    `gorm:"type:text" json:"metadata,omitempty"`
}

// TableName returns the table name for WhitelistEntry.
func (WhitelistEntry) TableName() string {
	return "whitelist_entries"
}

// Active reports whether the entry grants real access at the given time.
func (e *WhitelistEntry) Active(now time.Time) bool {
	if !e.Approved || e.Revoked {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// SecurityBlocked reports whether the entry is a confidence-gate denial
// record: inert for access purposes but retained for audit and later
// upgrade.
func (e *WhitelistEntry) SecurityBlocked() bool {
	return !e.Approved && e.Revoked && e.Metadata.Bool(MetaSecurityBlocked)
}

// UnlinkedPlaceholder reports whether the entry is waiting for the subject
// to link an account.
func (e *WhitelistEntry) UnlinkedPlaceholder() bool {
	return !e.Approved && !e.Revoked && e.Metadata.Bool(MetaRequiresLink)
}

// UpgradeCandidate reports whether the entry can be flipped to active once
// the subject's link confidence reaches the verified bar and the role is
// still held.
func (e *WhitelistEntry) UpgradeCandidate() bool {
	return e.SecurityBlocked() || e.UnlinkedPlaceholder()
}

// Revoke marks the entry revoked in place. It does not persist the change.
func (e *WhitelistEntry) Revoke(by, reason string, at time.Time) {
	e.Revoked = true
	e.RevokedAt = &at
	e.RevokedBy = by
	e.RevokedReason = reason
}

// SetMeta sets a metadata key, allocating the bag if needed.
func (e *WhitelistEntry) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = JSONMap{}
	}
	e.Metadata[key] = value
}

// Validate checks if the entry has valid attributes.
func (e *WhitelistEntry) Validate() error {
	if e.DiscordID == "" {
		return fmt.Errorf("discord id is required")
	}
	if !GrantSource(e.Source).IsValid() {
		return fmt.Errorf("invalid grant source %q", e.Source)
	}
	if GrantSource(e.Source) == SourceRole && e.ExpiresAt != nil {
		return fmt.Errorf("role entries must not expire")
	}
	return nil
}
