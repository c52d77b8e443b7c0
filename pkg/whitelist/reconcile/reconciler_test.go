package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TrustInBlood/roster-control/pkg/notify"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

var (
	memberTier = roster.Tier{Name: "member", Staff: false, Priority: 10}
	modTier    = roster.Tier{Name: "moderator", Staff: true, Priority: 50}
	adminTier  = roster.Tier{Name: "admin", Staff: true, Priority: 100}
)

// fakeVerifier answers HoldsTier from a static map.
type fakeVerifier struct {
	held map[string]bool
	err  error
}

func (v *fakeVerifier) HoldsTier(_ context.Context, _, _, tierName string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	return v.held[tierName], nil
}

// memorySink collects notification events.
type memorySink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *memorySink) Send(_ context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) byCategory(category string) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, e := range s.events {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

type countingInvalidator struct {
	mu    sync.Mutex
	count int
}

func (c *countingInvalidator) Invalidate() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

type fixture struct {
	reconciler  *Reconciler
	store       *store.GORMStore
	verifier    *fakeVerifier
	sink        *memorySink
	invalidator *countingInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	verifier := &fakeVerifier{held: map[string]bool{}}
	sink := &memorySink{}
	invalidator := &countingInvalidator{}
	r, err := New(Config{
		Store:       st,
		Verifier:    verifier,
		Sink:        sink,
		Invalidator: invalidator,
	})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	return &fixture{reconciler: r, store: st, verifier: verifier, sink: sink, invalidator: invalidator}
}

func snapshot(discordID string) roster.MemberSnapshot {
	return roster.MemberSnapshot{
		GuildID:     "guild-1",
		DiscordID:   discordID,
		DisplayName: "user-" + discordID,
	}
}

func (f *fixture) activeEntries(t *testing.T, discordID string) []*models.WhitelistEntry {
	t.Helper()
	entries, err := f.store.ActiveEntriesByDiscordID(context.Background(), discordID)
	if err != nil {
		t.Fatalf("failed to list active entries: %v", err)
	}
	return entries
}

func (f *fixture) workingSet(t *testing.T, discordID string) []*models.WhitelistEntry {
	t.Helper()
	var entries []*models.WhitelistEntry
	err := f.store.Transaction(context.Background(), func(tx *store.GORMStore) error {
		var err error
		entries, err = tx.RoleEntriesForUpdate(context.Background(), discordID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to load working set: %v", err)
	}
	return entries
}

func (f *fixture) auditCount(t *testing.T, actionType string) int {
	t.Helper()
	records, err := f.store.ListAudit(context.Background(), actionType, 100)
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	return len(records)
}

func TestReconcileMemberTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("grant without identity link", func(t *testing.T) {
		res := f.reconciler.Reconcile(ctx, "d-1", &memberTier, snapshot("d-1"), Options{Source: "event"})
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("expected success, got %s (err=%v)", res.Outcome, res.Err)
		}

		actives := f.activeEntries(t, "d-1")
		if len(actives) != 1 {
			t.Fatalf("expected 1 active entry, got %d", len(actives))
		}
		e := actives[0]
		if e.AccessTier != "member" || e.GrantType != string(models.GrantTypeMember) {
			t.Errorf("unexpected entry: tier=%s type=%s", e.AccessTier, e.GrantType)
		}
		if e.SteamID != "" {
			t.Errorf("expected empty steam id without link, got %q", e.SteamID)
		}
		if e.ExpiresAt != nil {
			t.Error("role entries must never expire")
		}
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		audits := f.auditCount(t, models.ActionRoleSync)
		res := f.reconciler.Reconcile(ctx, "d-1", &memberTier, snapshot("d-1"), Options{Source: "event"})
		if res.Outcome != OutcomeNoChange {
			t.Fatalf("expected no_change, got %s", res.Outcome)
		}
		if len(f.activeEntries(t, "d-1")) != 1 {
			t.Error("replay must not create rows")
		}
		if got := f.auditCount(t, models.ActionRoleSync); got != audits {
			t.Errorf("replay must not write audit records: had %d, now %d", audits, got)
		}
	})

	t.Run("tier change updates in place", func(t *testing.T) {
		before := f.activeEntries(t, "d-1")[0].ID

		vip := roster.Tier{Name: "vip", Priority: 20}
		res := f.reconciler.Reconcile(ctx, "d-1", &vip, snapshot("d-1"), Options{Source: "event"})
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("expected success, got %s", res.Outcome)
		}
		actives := f.activeEntries(t, "d-1")
		if len(actives) != 1 {
			t.Fatalf("expected 1 active entry after tier change, got %d", len(actives))
		}
		if actives[0].ID != before {
			t.Error("tier change should reuse the existing row")
		}
		if actives[0].AccessTier != "vip" {
			t.Errorf("expected tier vip, got %s", actives[0].AccessTier)
		}
	})

	t.Run("role removal revokes", func(t *testing.T) {
		res := f.reconciler.Reconcile(ctx, "d-1", nil, snapshot("d-1"), Options{Source: "event"})
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("expected success, got %s", res.Outcome)
		}
		if len(f.activeEntries(t, "d-1")) != 0 {
			t.Fatal("expected no active entries after role removal")
		}

		set := f.workingSet(t, "d-1")
		if len(set) != 0 {
			t.Fatalf("revoked history must leave the working set, got %d entries", len(set))
		}
		if len(f.sink.byCategory(EventRevoked)) == 0 {
			t.Error("expected a revocation notification")
		}
	})

	t.Run("removal replay is a no-op", func(t *testing.T) {
		res := f.reconciler.Reconcile(ctx, "d-1", nil, snapshot("d-1"), Options{Source: "event"})
		if res.Outcome != OutcomeNoChange {
			t.Fatalf("expected no_change, got %s", res.Outcome)
		}
	})
}

func TestReconcileConfidenceGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("staff without link records placeholder", func(t *testing.T) {
		res := f.reconciler.Reconcile(ctx, "d-2", &modTier, snapshot("d-2"), Options{Source: "event"})
		if res.Outcome != OutcomeNoIdentityLink {
			t.Fatalf("expected no_identity_link, got %s", res.Outcome)
		}
		if len(f.activeEntries(t, "d-2")) != 0 {
			t.Fatal("placeholder must not grant access")
		}

		set := f.workingSet(t, "d-2")
		if len(set) != 1 || !set[0].UnlinkedPlaceholder() {
			t.Fatalf("expected exactly one placeholder, got %d entries", len(set))
		}
	})

	t.Run("placeholder replay creates no rows", func(t *testing.T) {
		res := f.reconciler.Reconcile(ctx, "d-2", &modTier, snapshot("d-2"), Options{Source: "event"})
		if res.Outcome != OutcomeNoIdentityLink {
			t.Fatalf("expected no_identity_link, got %s", res.Outcome)
		}
		if set := f.workingSet(t, "d-2"); len(set) != 1 {
			t.Fatalf("expected 1 placeholder after replay, got %d", len(set))
		}
	})

	t.Run("low confidence link records security block", func(t *testing.T) {
		if _, err := f.store.CreateOrUpdateLink(ctx, "d-3", "76561198000000003", 0.4, models.LinkSourceTicket, false); err != nil {
			t.Fatalf("failed to create link: %v", err)
		}

		res := f.reconciler.Reconcile(ctx, "d-3", &adminTier, snapshot("d-3"), Options{Source: "event"})
		if res.Outcome != OutcomeSecurityBlocked {
			t.Fatalf("expected security block, got %s", res.Outcome)
		}
		if len(f.activeEntries(t, "d-3")) != 0 {
			t.Fatal("blocked grant must not activate")
		}

		set := f.workingSet(t, "d-3")
		if len(set) != 1 || !set[0].SecurityBlocked() {
			t.Fatalf("expected one security-blocked entry, got %d", len(set))
		}
		e := set[0]
		if e.RevokedReason != models.ReasonInsufficientConfidence {
			t.Errorf("unexpected revoke reason %q", e.RevokedReason)
		}
		if got, _ := e.Metadata.Float(models.MetaActualConfidence); got != 0.4 {
			t.Errorf("expected actual confidence 0.4, got %v", got)
		}
		if len(f.sink.byCategory(EventSecurityBlocked)) == 0 {
			t.Error("expected a security-block notification")
		}
	})

	t.Run("same denial replayed writes nothing", func(t *testing.T) {
		audits := f.auditCount(t, models.ActionRoleSync)
		res := f.reconciler.Reconcile(ctx, "d-3", &adminTier, snapshot("d-3"), Options{Source: "event"})
		if res.Outcome != OutcomeSecurityBlocked {
			t.Fatalf("expected security block, got %s", res.Outcome)
		}
		if set := f.workingSet(t, "d-3"); len(set) != 1 {
			t.Fatalf("replay must not add rows, got %d", len(set))
		}
		if got := f.auditCount(t, models.ActionRoleSync); got != audits {
			t.Errorf("replayed denial must not write audit records: had %d, now %d", audits, got)
		}
	})

	t.Run("raised but unverified confidence stays blocked", func(t *testing.T) {
		if _, err := f.store.CreateOrUpdateLink(ctx, "d-3", "76561198000000003", 0.7, models.LinkSourceTicket, false); err != nil {
			t.Fatalf("failed to raise confidence: %v", err)
		}
		res := f.reconciler.Reconcile(ctx, "d-3", &adminTier, snapshot("d-3"), Options{Source: "event"})
		if res.Outcome != OutcomeSecurityBlocked {
			t.Fatalf("expected security block at 0.7, got %s", res.Outcome)
		}
		if len(f.activeEntries(t, "d-3")) != 0 {
			t.Fatal("no entry may activate below verified confidence")
		}
	})
}

func TestReconcileUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Block an admin grant at low confidence, then verify the link.
	if _, err := f.store.CreateOrUpdateLink(ctx, "d-4", "76561198000000004", 0.4, models.LinkSourceTicket, false); err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	if res := f.reconciler.Reconcile(ctx, "d-4", &adminTier, snapshot("d-4"), Options{Source: "event"}); res.Outcome != OutcomeSecurityBlocked {
		t.Fatalf("setup: expected security block, got %s", res.Outcome)
	}
	if _, err := f.store.CreateOrUpdateLink(ctx, "d-4", "76561198000000004", models.VerifiedConfidence, models.LinkSourceVerified, false); err != nil {
		t.Fatalf("failed to verify link: %v", err)
	}

	t.Run("role no longer held leaves the block alone", func(t *testing.T) {
		f.verifier.held = map[string]bool{"admin": false}
		res := f.reconciler.Reconcile(ctx, "d-4", nil, snapshot("d-4"), Options{Source: "event"})
		if res.Upgraded {
			t.Fatal("must not upgrade a role the subject no longer holds")
		}
		if len(f.activeEntries(t, "d-4")) != 0 {
			t.Fatal("expected no active entries")
		}
	})

	t.Run("verified link plus held role upgrades", func(t *testing.T) {
		f.verifier.held = map[string]bool{"admin": true}
		res := f.reconciler.Reconcile(ctx, "d-4", &adminTier, snapshot("d-4"), Options{Source: "event"})
		if res.Outcome != OutcomeSuccess {
			t.Fatalf("expected success, got %s (err=%v)", res.Outcome, res.Err)
		}
		if !res.Upgraded {
			t.Fatal("expected the blocked entry to be upgraded")
		}

		actives := f.activeEntries(t, "d-4")
		if len(actives) != 1 {
			t.Fatalf("expected 1 active entry, got %d", len(actives))
		}
		e := actives[0]
		if e.AccessTier != "admin" {
			t.Errorf("expected admin tier, got %s", e.AccessTier)
		}
		if e.SteamID != "76561198000000004" {
			t.Errorf("expected steam id refreshed from link, got %q", e.SteamID)
		}
		if !e.Metadata.Bool(models.MetaUpgraded) {
			t.Error("expected upgraded metadata flag")
		}
		if e.Metadata.Bool(models.MetaSecurityBlocked) {
			t.Error("security-block flag must be cleared on upgrade")
		}

		if f.auditCount(t, models.ActionSecurityUpgrade) != 1 {
			t.Error("expected one SECURITY_UPGRADE audit record")
		}
		if len(f.sink.byCategory(EventSecurityUpgrade)) != 1 {
			t.Error("expected one upgrade notification")
		}
	})

	t.Run("verifier error skips upgrade", func(t *testing.T) {
		f2 := newFixture(t)
		if _, err := f2.store.CreateOrUpdateLink(ctx, "d-5", "76561198000000005", 0.4, models.LinkSourceTicket, false); err != nil {
			t.Fatalf("failed to create link: %v", err)
		}
		if res := f2.reconciler.Reconcile(ctx, "d-5", &adminTier, snapshot("d-5"), Options{Source: "event"}); res.Outcome != OutcomeSecurityBlocked {
			t.Fatalf("setup: expected security block, got %s", res.Outcome)
		}
		if _, err := f2.store.CreateOrUpdateLink(ctx, "d-5", "76561198000000005", models.VerifiedConfidence, models.LinkSourceVerified, false); err != nil {
			t.Fatalf("failed to verify link: %v", err)
		}
		f2.verifier.err = context.DeadlineExceeded

		res := f2.reconciler.Reconcile(ctx, "d-5", nil, snapshot("d-5"), Options{Source: "event"})
		if res.Upgraded {
			t.Fatal("must not upgrade when membership cannot be re-verified")
		}
		if len(f2.activeEntries(t, "d-5")) != 0 {
			t.Fatal("expected no active entries")
		}
	})
}

func TestReconcileDuplicateHealing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two active role rows for the same subject, written directly to
	// simulate a historical race.
	older := &models.WhitelistEntry{
		DiscordID:  "d-6",
		AccessTier: "member",
		GrantType:  string(models.GrantTypeMember),
		Source:     string(models.SourceRole),
		Approved:   true,
		GrantedAt:  time.Now().Add(-time.Hour),
		GrantedBy:  models.ActorSystem,
	}
	newer := &models.WhitelistEntry{
		DiscordID:  "d-6",
		AccessTier: "member",
		GrantType:  string(models.GrantTypeMember),
		Source:     string(models.SourceRole),
		Approved:   true,
		GrantedAt:  time.Now(),
		GrantedBy:  models.ActorSystem,
	}
	olderID, err := f.store.CreateEntry(ctx, older)
	if err != nil {
		t.Fatalf("failed to seed older entry: %v", err)
	}
	newerID, err := f.store.CreateEntry(ctx, newer)
	if err != nil {
		t.Fatalf("failed to seed newer entry: %v", err)
	}

	res := f.reconciler.Reconcile(ctx, "d-6", &memberTier, snapshot("d-6"), Options{Source: "event"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", res.Outcome)
	}
	if res.DuplicatesHealed != 1 {
		t.Fatalf("expected 1 duplicate healed, got %d", res.DuplicatesHealed)
	}

	actives := f.activeEntries(t, "d-6")
	if len(actives) != 1 {
		t.Fatalf("expected 1 active entry after healing, got %d", len(actives))
	}
	if actives[0].ID != newerID {
		t.Error("the most recent entry must survive")
	}

	loser, err := f.store.GetEntry(ctx, olderID)
	if err != nil {
		t.Fatalf("failed to load revoked duplicate: %v", err)
	}
	if !loser.Revoked || loser.RevokedReason != models.ReasonDuplicate {
		t.Errorf("expected older entry revoked as duplicate, got revoked=%v reason=%q", loser.Revoked, loser.RevokedReason)
	}
}

func TestReconcileSteamIDRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.CreateOrUpdateLink(ctx, "d-7", "76561198000000007", 0.5, models.LinkSourceTicket, false); err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	if res := f.reconciler.Reconcile(ctx, "d-7", &memberTier, snapshot("d-7"), Options{Source: "event"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("setup: expected success, got %s", res.Outcome)
	}

	// A stronger link to a different account becomes primary; the next
	// reconciliation refreshes the denormalized snapshot.
	if _, err := f.store.CreateOrUpdateLink(ctx, "d-7", "76561198000000077", 0.9, models.LinkSourceTicket, false); err != nil {
		t.Fatalf("failed to create second link: %v", err)
	}
	res := f.reconciler.Reconcile(ctx, "d-7", &memberTier, snapshot("d-7"), Options{Source: "event"})
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success for snapshot refresh, got %s", res.Outcome)
	}

	actives := f.activeEntries(t, "d-7")
	if len(actives) != 1 || actives[0].SteamID != "76561198000000077" {
		t.Fatalf("expected refreshed steam id, got %+v", actives)
	}
}

func TestReconcileInFlightShortCircuit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := "d-8\x00member"
	if !f.reconciler.begin(key) {
		t.Fatal("failed to claim in-flight key")
	}
	defer f.reconciler.end(key)

	res := f.reconciler.Reconcile(ctx, "d-8", &memberTier, snapshot("d-8"), Options{Source: "event"})
	if res.Outcome != OutcomeNoChange {
		t.Fatalf("expected duplicate work short-circuited as no_change, got %s", res.Outcome)
	}
	if len(f.activeEntries(t, "d-8")) != 0 {
		t.Fatal("short-circuited call must not write")
	}
}

func TestReconcileFailureAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Close the store to force an infrastructure failure.
	f.store.Close()
	res := f.reconciler.Reconcile(ctx, "d-9", &memberTier, snapshot("d-9"), Options{Source: "event"})
	if res.Outcome != OutcomeError {
		t.Fatalf("expected error outcome on closed store, got %s", res.Outcome)
	}
	if res.Err == nil {
		t.Fatal("expected Err set on error outcome")
	}
}

// TestReconcileLinkProgression walks one subject through the full grant
// lifecycle: unlinked placeholder, low-confidence security block,
// verified upgrade, and finally revocation when the role is removed.
func TestReconcileLinkProgression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := "d-11"

	// Staff role granted with no link at all.
	if res := f.reconciler.Reconcile(ctx, id, &modTier, snapshot(id), Options{Source: "event"}); res.Outcome != OutcomeNoIdentityLink {
		t.Fatalf("expected no_identity_link, got %s", res.Outcome)
	}
	set := f.workingSet(t, id)
	if len(set) != 1 || !set[0].UnlinkedPlaceholder() {
		t.Fatalf("expected one placeholder, got %d entries", len(set))
	}

	// A low-confidence link appears; the placeholder becomes a block.
	if _, err := f.store.CreateOrUpdateLink(ctx, id, "76561198000000011", 0.5, models.LinkSourceTicket, false); err != nil {
		t.Fatalf("failed to create link: %v", err)
	}
	if res := f.reconciler.Reconcile(ctx, id, &modTier, snapshot(id), Options{Source: "event"}); res.Outcome != OutcomeSecurityBlocked {
		t.Fatalf("expected security block, got %s", res.Outcome)
	}
	set = f.workingSet(t, id)
	if len(set) != 1 || !set[0].SecurityBlocked() {
		t.Fatalf("expected the placeholder converted in place, got %d entries", len(set))
	}
	if len(f.activeEntries(t, id)) != 0 {
		t.Fatal("blocked grant must not activate")
	}

	// The link is verified and the role is still held: the block upgrades.
	if _, err := f.store.CreateOrUpdateLink(ctx, id, "76561198000000011", models.VerifiedConfidence, models.LinkSourceVerified, false); err != nil {
		t.Fatalf("failed to verify link: %v", err)
	}
	f.verifier.held = map[string]bool{"moderator": true}
	res := f.reconciler.Reconcile(ctx, id, &modTier, snapshot(id), Options{Source: "event"})
	if res.Outcome != OutcomeSuccess || !res.Upgraded {
		t.Fatalf("expected upgrade, got outcome=%s upgraded=%v (err=%v)", res.Outcome, res.Upgraded, res.Err)
	}
	actives := f.activeEntries(t, id)
	if len(actives) != 1 || actives[0].AccessTier != "moderator" {
		t.Fatalf("expected one active moderator entry, got %+v", actives)
	}
	if actives[0].SteamID != "76561198000000011" {
		t.Errorf("expected steam id from the verified link, got %q", actives[0].SteamID)
	}
	if f.auditCount(t, models.ActionSecurityUpgrade) != 1 {
		t.Error("expected exactly one SECURITY_UPGRADE audit record")
	}

	// Role removed: the upgraded entry is revoked like any other.
	upgradedID := actives[0].ID
	if res := f.reconciler.Reconcile(ctx, id, nil, snapshot(id), Options{Source: "event"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success on removal, got %s", res.Outcome)
	}
	if len(f.activeEntries(t, id)) != 0 {
		t.Fatal("expected no active entries after role removal")
	}
	revoked, err := f.store.GetEntry(ctx, upgradedID)
	if err != nil {
		t.Fatalf("failed to load revoked entry: %v", err)
	}
	if !revoked.Revoked || revoked.RevokedReason != models.ReasonRoleRemoved {
		t.Errorf("expected role_removed revocation, got revoked=%v reason=%q", revoked.Revoked, revoked.RevokedReason)
	}
}

func TestReconcileCacheInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if res := f.reconciler.Reconcile(ctx, "d-10", &memberTier, snapshot("d-10"), Options{Source: "event"}); res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", res.Outcome)
	}
	if f.invalidator.count != 1 {
		t.Fatalf("expected 1 cache invalidation after write, got %d", f.invalidator.count)
	}

	// No-op replay must not flush the cache.
	if res := f.reconciler.Reconcile(ctx, "d-10", &memberTier, snapshot("d-10"), Options{Source: "event"}); res.Outcome != OutcomeNoChange {
		t.Fatal("expected no_change replay")
	}
	if f.invalidator.count != 1 {
		t.Fatalf("no-op must not invalidate, got %d invalidations", f.invalidator.count)
	}
}
