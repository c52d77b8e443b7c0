package reconcile

import (
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// Outcome is the discriminated result of one reconciliation. Expected
// outcomes (everything except OutcomeError) are returned, never raised as
// errors, so one subject's terminal state can never halt event dispatch
// for others.
type Outcome string

const (
	// OutcomeSuccess means entries were created, updated, or revoked to
	// match the requested tier.
	OutcomeSuccess Outcome = "success"

	// OutcomeNoChange means the store already agreed with the requested
	// tier; nothing was written and no notification was emitted.
	OutcomeNoChange Outcome = "no_change"

	// OutcomeNoIdentityLink means an elevated tier was requested for a
	// subject with no identity link. A placeholder entry was recorded;
	// the subject must link an account. Not an error.
	OutcomeNoIdentityLink Outcome = "no_identity_link"

	// OutcomeSecurityBlocked means the confidence gate denied an elevated
	// grant. A blocked entry was recorded for audit and later upgrade.
	// Not an error.
	OutcomeSecurityBlocked Outcome = "security_blocked_insufficient_confidence"

	// OutcomeError means an infrastructure failure; the transaction was
	// rolled back and the caller may retry later.
	OutcomeError Outcome = "error"
)

// Result reports what a reconciliation did.
type Result struct {
	Outcome   Outcome
	DiscordID string

	// TierName is the tier that was applied ("" when the tier was
	// removed).
	TierName string

	// Upgraded is true when a previously blocked or placeholder entry
	// was flipped to active during the upgrade pass.
	Upgraded bool

	// DuplicatesHealed counts extra non-revoked role rows revoked as
	// duplicates during self-healing.
	DuplicatesHealed int

	// Err carries the failure for OutcomeError results.
	Err error
}

// Options carries per-call provenance recorded on entries and audit
// records.
type Options struct {
	// Source identifies the driver: "event" for role-change events,
	// "bulk" for bulk sync.
	Source string

	// ActorID and ActorName identify who triggered the reconciliation
	// when it was a user action; empty means the system.
	ActorID   string
	ActorName string

	// Metadata is merged into entry metadata on writes.
	Metadata models.JSONMap
}
