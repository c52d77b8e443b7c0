package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// ============================================
// AUDIT TRAIL
// ============================================

// AppendAudit writes an audit record. The trail is append-only: records
// are never updated or deleted here, and concurrent appends need no
// synchronization beyond the database's own insert path.
func (s *GORMStore) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ActorType == "" {
		rec.ActorType = models.ActorSystem
	}
	if rec.Severity == "" {
		rec.Severity = string(models.SeverityInfo)
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// ListAudit returns the most recent audit records, newest first,
// optionally filtered by action type.
func (s *GORMStore) ListAudit(ctx context.Context, actionType string, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if actionType != "" {
		q = q.Where("action_type = ?", actionType)
	}
	var records []*models.AuditRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	if records == nil {
		records = []*models.AuditRecord{}
	}
	return records, nil
}

// AuditForTarget returns the audit history for one subject, newest first.
func (s *GORMStore) AuditForTarget(ctx context.Context, targetID string, limit int) ([]*models.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*models.AuditRecord
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*models.AuditRecord{}
	}
	return records, nil
}
