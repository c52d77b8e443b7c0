package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// CleanupReport summarizes one departed-member sweep.
type CleanupReport struct {
	// Scanned counts distinct subjects holding active role entries.
	Scanned int

	// Departed counts subjects no longer present in the roster.
	Departed int

	// Revoked counts entries revoked during the sweep.
	Revoked int

	// Failures maps subject ID to the error that prevented revocation.
	Failures map[string]error
}

// CleanupDeparted revokes active role entries belonging to subjects no
// longer present in the roster. Manual and donation entries are left
// alone: leaving Discord only invalidates role-derived access.
func (r *Reconciler) CleanupDeparted(ctx context.Context, present []roster.MemberSnapshot) (*CleanupReport, error) {
	presentSet := make(map[string]bool, len(present))
	for _, m := range present {
		presentSet[m.DiscordID] = true
	}

	entries, err := r.store.ActiveRoleEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active role entries: %w", err)
	}

	subjects := make(map[string]bool)
	for _, e := range entries {
		subjects[e.DiscordID] = true
	}

	report := &CleanupReport{Scanned: len(subjects), Failures: make(map[string]error)}
	now := time.Now()

	for discordID := range subjects {
		if presentSet[discordID] {
			continue
		}
		report.Departed++

		revoked, err := r.revokeDeparted(ctx, discordID, now)
		if err != nil {
			// One subject's failure must not stop the sweep.
			logger.Error("Departed cleanup failed for subject",
				"subject", discordID, "error", err)
			report.Failures[discordID] = err
			continue
		}
		report.Revoked += revoked
	}

	if report.Revoked > 0 && r.invalidator != nil {
		r.invalidator.Invalidate()
	}
	if report.Departed > 0 {
		logger.Info("Departed member cleanup finished",
			"scanned", report.Scanned,
			"departed", report.Departed,
			"revoked", report.Revoked,
			"failures", len(report.Failures))
	}
	return report, nil
}

// revokeDeparted revokes one departed subject's active role entries in a
// single transaction with the rows locked.
func (r *Reconciler) revokeDeparted(ctx context.Context, discordID string, now time.Time) (int, error) {
	revoked := 0
	err := r.store.Transaction(ctx, func(tx *store.GORMStore) error {
		entries, err := tx.RoleEntriesForUpdate(ctx, discordID)
		if err != nil {
			return err
		}
		var tier string
		for _, e := range entries {
			if !e.Active(now) {
				continue
			}
			tier = e.AccessTier
			e.Revoke(models.ActorSystem, models.ReasonUserLeft, now)
			if err := tx.SaveEntry(ctx, e); err != nil {
				return err
			}
			revoked++
		}
		if revoked == 0 {
			// Raced with a reconciliation that already revoked everything.
			return nil
		}
		return tx.AppendAudit(ctx, &models.AuditRecord{
			ActionType: models.ActionDepartedCleanup,
			ActorType:  models.ActorSystem,
			TargetType: "member",
			TargetID:   discordID,
			Description: fmt.Sprintf("revoked %d role entry(ies): member left the community", revoked),
			Metadata: models.JSONMap{
				"tier":   tier,
				"reason": models.ReasonUserLeft,
			},
			Severity: string(models.SeverityInfo),
		})
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// RunCleanupLoop runs CleanupDeparted on a fixed interval until the
// context is cancelled. Fetch failures are logged and the loop keeps
// going; a transient Discord outage must not wedge the sweeper.
func (r *Reconciler) RunCleanupLoop(ctx context.Context, provider roster.Provider, guildID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			members, err := provider.GuildMembers(ctx, guildID)
			if err != nil {
				logger.Warn("Roster fetch failed, skipping cleanup cycle",
					"guild", guildID, "error", err)
				continue
			}
			snapshots := make([]roster.MemberSnapshot, 0, len(members))
			for _, m := range members {
				snapshots = append(snapshots, m.Snapshot)
			}
			if _, err := r.CleanupDeparted(ctx, snapshots); err != nil {
				logger.Error("Departed cleanup cycle failed", "guild", guildID, "error", err)
			}
		}
	}
}
