// Package policy implements the confidence gate that decides whether a
// role-derived access tier may be granted against a subject's identity
// link.
//
// The gate is a pure function: it performs no I/O and has no side effects.
// Callers (the reconciliation engine) log and audit the decision.
package policy

import (
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// Reason explains why a decision was made.
type Reason string

const (
	// ReasonAllowed means the grant passed the gate.
	ReasonAllowed Reason = "allowed"

	// ReasonNoIdentityLink means an elevated tier was requested by a
	// subject with no primary identity link. Remediation: link an account.
	ReasonNoIdentityLink Reason = "no_identity_link"

	// ReasonInsufficientConfidence means a link exists but its confidence
	// is below the verified bar. Remediation: re-verify the link. Kept
	// distinct from ReasonNoIdentityLink because the user-facing fix
	// differs.
	ReasonInsufficientConfidence Reason = "insufficient_confidence"
)

// Decision is the gate's verdict for one grant request.
type Decision struct {
	Allowed bool
	Reason  Reason

	// ActualConfidence is the link confidence the decision was based on.
	// Zero when no link exists.
	ActualConfidence float64

	// RequiredConfidence is the bar elevated tiers must meet.
	RequiredConfidence float64
}

// Decide applies the escalation policy: elevated (staff) tiers require a
// primary link at verified confidence; the base member tier needs no link
// at all. link may be nil, meaning the subject has no primary link.
func Decide(grantType models.GrantType, link *models.IdentityLink) Decision {
	d := Decision{RequiredConfidence: models.VerifiedConfidence}

	if grantType != models.GrantTypeStaff {
		d.Allowed = true
		d.Reason = ReasonAllowed
		if link != nil {
			d.ActualConfidence = link.Confidence
		}
		return d
	}

	if link == nil {
		d.Reason = ReasonNoIdentityLink
		return d
	}

	d.ActualConfidence = link.Confidence
	if link.Confidence >= models.VerifiedConfidence {
		d.Allowed = true
		d.Reason = ReasonAllowed
		return d
	}

	d.Reason = ReasonInsufficientConfidence
	return d
}
