package models

import "time"

// Audit action types written by the reconciliation subsystem.
const (
	ActionRoleSync         = "ROLE_SYNC"
	ActionSecurityUpgrade  = "SECURITY_UPGRADE"
	ActionBulkSync         = "BULK_SYNC"
	ActionDepartedCleanup  = "DEPARTED_CLEANUP"
	ActionDonationGrant    = "DONATION_GRANT"
	ActionReconcileFailure = "RECONCILE_FAILURE"
)

// AuditSeverity classifies audit records for filtering and alerting.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// Actor types recorded on audit records.
const (
	ActorSystem = "system"
	ActorUser   = "user"
)

// AuditRecord is an immutable append-only fact about a reconciliation
// decision. Records are never mutated or deleted by this subsystem.
type AuditRecord struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	ActionType  string    `gorm:"index;not null;size:50" json:"action_type"`
	ActorType   string    `gorm:"size:20" json:"actor_type"`
	ActorID     string    `gorm:"size:64" json:"actor_id,omitempty"`
	ActorName   string    `gorm:"size:255" json:"actor_name,omitempty"`
	TargetType  string    `gorm:"size:50" json:"target_type,omitempty"`
	TargetID    string    `gorm:"index;size:64" json:"target_id,omitempty"`
	TargetName  string    `gorm:"size:255" json:"target_name,omitempty"`
	Description string    `json:"description,omitempty"`
	BeforeState JSONMap   `gorm:"type:text" json:"before_state,omitempty"`
	AfterState  JSONMap   `gorm:"type:text" json:"after_state,omitempty"`
	Metadata    JSONMap   `gorm:"type:text" json:"metadata,omitempty"`
	Severity    string    `gorm:"index;size:20" json:"severity"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for AuditRecord.
func (AuditRecord) TableName() string {
	return "audit_records"
}
