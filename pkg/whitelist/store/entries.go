package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// ============================================
// WHITELIST ENTRY OPERATIONS
// ============================================

// activeCondition is the SQL predicate for entries that grant real access.
const activeCondition = "approved = ? AND revoked = ? AND (expires_at IS NULL OR expires_at > ?)"

// CreateEntry inserts a new whitelist entry, assigning an ID if unset.
func (s *GORMStore) CreateEntry(ctx context.Context, entry *models.WhitelistEntry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", fmt.Errorf("invalid whitelist entry: %w", err)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.GrantedAt.IsZero() {
		entry.GrantedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return "", err
	}
	return entry.ID, nil
}

// SaveEntry persists all fields of an existing entry.
func (s *GORMStore) SaveEntry(ctx context.Context, entry *models.WhitelistEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid whitelist entry: %w", err)
	}
	result := s.db.WithContext(ctx).Save(entry)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}

// GetEntry returns an entry by ID.
func (s *GORMStore) GetEntry(ctx context.Context, id string) (*models.WhitelistEntry, error) {
	return getByField[models.WhitelistEntry](s.db, ctx, "id", id, models.ErrEntryNotFound)
}

// ActiveEntriesByDiscordID returns the subject's active entries ordered
// oldest-grant-first. The ordering is what expiration stacking (donation
// grants extending the latest expiry) depends on.
func (s *GORMStore) ActiveEntriesByDiscordID(ctx context.Context, discordID string) ([]*models.WhitelistEntry, error) {
	return listWhere[models.WhitelistEntry](s.db, ctx, "granted_at ASC",
		"discord_id = ? AND "+activeCondition, discordID, true, false, time.Now())
}

// ActiveEntriesBySteamID returns active entries for a game identity,
// oldest-grant-first.
func (s *GORMStore) ActiveEntriesBySteamID(ctx context.Context, steamID string) ([]*models.WhitelistEntry, error) {
	return listWhere[models.WhitelistEntry](s.db, ctx, "granted_at ASC",
		"steam_id = ? AND "+activeCondition, steamID, true, false, time.Now())
}

// IsWhitelisted reports whether any active entry grants access to the
// given Steam ID. This is the hot-path query the game server integration
// hits; see the cache package for the read-through layer in front of it.
func (s *GORMStore) IsWhitelisted(ctx context.Context, steamID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.WhitelistEntry{}).
		Where("steam_id = ? AND "+activeCondition, steamID, true, false, time.Now()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RoleEntriesForUpdate returns the reconciliation working set for a
// subject with row locks held: every source=role entry that is active, an
// unlinked placeholder, or a security-blocked record. Plain revoked grants
// are history and excluded. Ordered newest-grant-first so the first match
// is the survivor in duplicate self-healing.
func (s *GORMStore) RoleEntriesForUpdate(ctx context.Context, discordID string) ([]*models.WhitelistEntry, error) {
	var entries []*models.WhitelistEntry
	err := s.forUpdate(s.db.WithContext(ctx)).
		Where("discord_id = ? AND source = ? AND (revoked = ? OR approved = ?)",
			discordID, string(models.SourceRole), false, false).
		Order("granted_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.WhitelistEntry{}
	}
	return entries, nil
}

// ActiveRoleEntries returns all active source=role entries across all
// subjects. The departed-member sweep diffs this set against the live
// roster.
func (s *GORMStore) ActiveRoleEntries(ctx context.Context) ([]*models.WhitelistEntry, error) {
	return listWhere[models.WhitelistEntry](s.db, ctx, "granted_at ASC",
		"source = ? AND "+activeCondition, string(models.SourceRole), true, false, time.Now())
}

// CountActiveBySource returns the number of active entries grouped by
// grant source, for the status command and dashboard.
func (s *GORMStore) CountActiveBySource(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Source string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.WhitelistEntry{}).
		Select("source, COUNT(*) as count").
		Where(activeCondition, true, false, time.Now()).
		Group("source").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Source] = r.Count
	}
	return counts, nil
}
