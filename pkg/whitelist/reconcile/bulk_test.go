package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

func guildMember(discordID string, tier *roster.Tier) roster.Member {
	return roster.Member{
		Snapshot: roster.MemberSnapshot{
			GuildID:     "guild-1",
			DiscordID:   discordID,
			DisplayName: "user-" + discordID,
		},
		Tier: tier,
	}
}

func TestBulkSyncDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A stale active entry for a member who no longer holds any tracked
	// role: bulk sync must still plan them in for revocation.
	stale := &models.WhitelistEntry{
		DiscordID:  "stale-1",
		AccessTier: "member",
		GrantType:  string(models.GrantTypeMember),
		Source:     string(models.SourceRole),
		Approved:   true,
		GrantedAt:  time.Now().Add(-time.Hour),
		GrantedBy:  models.ActorSystem,
	}
	if _, err := f.store.CreateEntry(ctx, stale); err != nil {
		t.Fatalf("failed to seed stale entry: %v", err)
	}

	members := []roster.Member{
		guildMember("m-1", &memberTier),
		guildMember("m-2", &memberTier),
		guildMember("m-3", &modTier),
		guildMember("stale-1", nil),
		guildMember("untracked-1", nil),
	}

	report, err := f.reconciler.BulkSync(ctx, members, BulkOptions{GuildID: "guild-1", DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !report.DryRun {
		t.Error("report must be marked dry-run")
	}
	if report.Total != 4 {
		t.Errorf("expected 4 planned members (untracked without entries excluded), got %d", report.Total)
	}
	if report.TierCounts["member"] != 2 || report.TierCounts["moderator"] != 1 || report.TierCounts[""] != 1 {
		t.Errorf("unexpected tier counts: %v", report.TierCounts)
	}

	// Dry run must not write: the stale entry is still active and no new
	// entries exist.
	if len(f.activeEntries(t, "stale-1")) != 1 {
		t.Error("dry run must not revoke")
	}
	if len(f.activeEntries(t, "m-1")) != 0 {
		t.Error("dry run must not grant")
	}
	if f.auditCount(t, models.ActionBulkSync) != 0 {
		t.Error("dry run must not write audit records")
	}
}

func TestBulkSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &models.WhitelistEntry{
		DiscordID:  "stale-2",
		AccessTier: "member",
		GrantType:  string(models.GrantTypeMember),
		Source:     string(models.SourceRole),
		Approved:   true,
		GrantedAt:  time.Now().Add(-time.Hour),
		GrantedBy:  models.ActorSystem,
	}
	if _, err := f.store.CreateEntry(ctx, stale); err != nil {
		t.Fatalf("failed to seed stale entry: %v", err)
	}

	// More members than one batch to exercise batching.
	members := []roster.Member{guildMember("stale-2", nil)}
	for i := 0; i < 25; i++ {
		members = append(members, guildMember(fmt.Sprintf("b-%d", i), &memberTier))
	}

	report, err := f.reconciler.BulkSync(ctx, members, BulkOptions{
		GuildID:   "guild-1",
		BatchSize: 10,
		ActorID:   "admin-1",
		ActorName: "Admin",
	})
	if err != nil {
		t.Fatalf("bulk sync failed: %v", err)
	}
	if report.Total != 26 {
		t.Errorf("expected 26 processed, got %d", report.Total)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", report.Failures)
	}
	if report.Outcomes[OutcomeSuccess] != 26 {
		t.Errorf("expected 26 successes, got %v", report.Outcomes)
	}

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("b-%d", i)
		if len(f.activeEntries(t, id)) != 1 {
			t.Fatalf("expected active entry for %s", id)
		}
	}
	if len(f.activeEntries(t, "stale-2")) != 0 {
		t.Error("stale entry must be revoked by bulk sync")
	}

	if f.auditCount(t, models.ActionBulkSync) != 1 {
		t.Error("expected one BULK_SYNC summary audit record")
	}

	t.Run("second run is all no-ops", func(t *testing.T) {
		report, err := f.reconciler.BulkSync(ctx, members, BulkOptions{GuildID: "guild-1", BatchSize: 10})
		if err != nil {
			t.Fatalf("bulk sync failed: %v", err)
		}
		// stale-2 has no entries left, so it drops out of the plan.
		if report.Total != 25 {
			t.Errorf("expected 25 planned, got %d", report.Total)
		}
		if report.Outcomes[OutcomeNoChange] != 25 {
			t.Errorf("expected 25 no-change outcomes, got %v", report.Outcomes)
		}
	})
}

// TestBulkSyncUpgradesFromSnapshot wires the verifier the way the sync
// command does: the roster being synced also answers re-verification, so
// a blocked entry whose subject still holds the role upgrades during the
// run.
func TestBulkSyncUpgradesFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := "u-1"

	if _, err := f.store.CreateOrUpdateLink(ctx, id, "76561198000000021", 0.4, models.LinkSourceTicket, false); err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	if res := f.reconciler.Reconcile(ctx, id, &modTier, snapshot(id), Options{Source: "event"}); res.Outcome != OutcomeSecurityBlocked {
		t.Fatalf("setup: expected security block, got %s", res.Outcome)
	}
	if _, err := f.store.CreateOrUpdateLink(ctx, id, "76561198000000021", models.VerifiedConfidence, models.LinkSourceVerified, false); err != nil {
		t.Fatalf("failed to verify link: %v", err)
	}

	members := []roster.Member{guildMember(id, &modTier)}
	r, err := New(Config{
		Store:    f.store,
		Verifier: roster.NewSnapshotVerifier(roster.StaticProvider(members)),
	})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}

	report, err := r.BulkSync(ctx, members, BulkOptions{GuildID: "guild-1"})
	if err != nil {
		t.Fatalf("bulk sync failed: %v", err)
	}
	if report.Outcomes[OutcomeSuccess] != 1 {
		t.Fatalf("expected the blocked member to sync successfully, got %v", report.Outcomes)
	}

	actives := f.activeEntries(t, id)
	if len(actives) != 1 || actives[0].AccessTier != "moderator" {
		t.Fatalf("expected one active moderator entry after the run, got %+v", actives)
	}
	if !actives[0].Metadata.Bool(models.MetaUpgraded) {
		t.Error("expected the entry upgraded, not re-created")
	}
}

func TestBulkSyncCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	members := []roster.Member{guildMember("c-1", &memberTier)}
	if _, err := f.reconciler.BulkSync(ctx, members, BulkOptions{GuildID: "guild-1"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
