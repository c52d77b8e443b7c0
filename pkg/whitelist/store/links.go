package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// ============================================
// IDENTITY LINK OPERATIONS
// ============================================

// FindPrimaryLink returns the subject's primary identity link: the
// highest-confidence link flagged primary, ties broken by recency.
// Returns models.ErrLinkNotFound when the subject has no primary link;
// callers treat absence as a valid state, not an error.
func (s *GORMStore) FindPrimaryLink(ctx context.Context, discordID string) (*models.IdentityLink, error) {
	var link models.IdentityLink
	err := s.db.WithContext(ctx).
		Where("discord_id = ? AND is_primary = ?", discordID, true).
		Order("confidence DESC, created_at DESC").
		First(&link).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrLinkNotFound)
	}
	return &link, nil
}

// FindPrimaryLinkForUpdate is FindPrimaryLink with a row lock. Call inside
// Transaction so concurrent reconciliations for the same subject serialize
// on the link row.
func (s *GORMStore) FindPrimaryLinkForUpdate(ctx context.Context, discordID string) (*models.IdentityLink, error) {
	var link models.IdentityLink
	err := s.forUpdate(s.db.WithContext(ctx)).
		Where("discord_id = ? AND is_primary = ?", discordID, true).
		Order("confidence DESC, created_at DESC").
		First(&link).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrLinkNotFound)
	}
	return &link, nil
}

// ListLinks returns all identity links for a subject, strongest first.
func (s *GORMStore) ListLinks(ctx context.Context, discordID string) ([]*models.IdentityLink, error) {
	return listWhere[models.IdentityLink](s.db, ctx, "confidence DESC, created_at DESC", "discord_id = ?", discordID)
}

// GetLink returns the link for an exact (discordID, steamID) pair.
func (s *GORMStore) GetLink(ctx context.Context, discordID, steamID string) (*models.IdentityLink, error) {
	var link models.IdentityLink
	err := s.db.WithContext(ctx).
		Where("discord_id = ? AND steam_id = ?", discordID, steamID).
		First(&link).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrLinkNotFound)
	}
	return &link, nil
}

// CreateOrUpdateLink records an association between a Discord account and a
// Steam account.
//
// If a row for the pair already exists its confidence is raised to the new
// value; a lower value never silently downgrades stored trust unless force
// is set. The primary flag is then re-elected across all of the subject's
// links so that exactly one row is primary: the strongest by confidence,
// ties broken by recency.
func (s *GORMStore) CreateOrUpdateLink(ctx context.Context, discordID, steamID string, confidence float64, source models.LinkSource, force bool) (*models.IdentityLink, error) {
	candidate := &models.IdentityLink{
		DiscordID:  discordID,
		SteamID:    steamID,
		Confidence: confidence,
		Source:     string(source),
	}
	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity link: %w", err)
	}

	var result *models.IdentityLink
	err := s.Transaction(ctx, func(tx *GORMStore) error {
		var existing models.IdentityLink
		err := tx.forUpdate(tx.db.WithContext(ctx)).
			Where("discord_id = ? AND steam_id = ?", discordID, steamID).
			First(&existing).Error

		switch {
		case err == nil:
			if confidence >= existing.Confidence || force {
				existing.Confidence = confidence
				existing.Source = string(source)
				if err := tx.db.WithContext(ctx).Save(&existing).Error; err != nil {
					return err
				}
			}
			result = &existing

		case errors.Is(err, gorm.ErrRecordNotFound):
			candidate.ID = uuid.New().String()
			candidate.CreatedAt = time.Now()
			if err := tx.db.WithContext(ctx).Create(candidate).Error; err != nil {
				if isUniqueConstraintError(err) {
					return models.ErrDuplicateLink
				}
				return err
			}
			result = candidate

		default:
			return err
		}

		return tx.electPrimary(ctx, discordID)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// electPrimary recomputes the IsPrimary flag across a subject's links so
// that exactly one row (the strongest) is primary. Must run inside a
// transaction that already locked the subject's link rows.
func (s *GORMStore) electPrimary(ctx context.Context, discordID string) error {
	links, err := listWhere[models.IdentityLink](s.db, ctx, "confidence DESC, created_at DESC", "discord_id = ?", discordID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return nil
	}

	winner := links[0]
	for _, l := range links[1:] {
		if l.StrongerThan(winner) {
			winner = l
		}
	}

	for _, l := range links {
		isWinner := l.ID == winner.ID
		if l.IsPrimary == isWinner {
			continue
		}
		if err := s.db.WithContext(ctx).
			Model(&models.IdentityLink{}).
			Where("id = ?", l.ID).
			Update("is_primary", isWinner).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteLink removes a link by pair. Links are only ever deleted by
// explicit administrative action; the primary flag is re-elected among the
// remaining links.
func (s *GORMStore) DeleteLink(ctx context.Context, discordID, steamID string) error {
	return s.Transaction(ctx, func(tx *GORMStore) error {
		result := tx.db.WithContext(ctx).
			Where("discord_id = ? AND steam_id = ?", discordID, steamID).
			Delete(&models.IdentityLink{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrLinkNotFound
		}
		return tx.electPrimary(ctx, discordID)
	})
}
