// Package reconcile implements the role-to-whitelist reconciliation
// engine: it keeps the whitelist entry ledger consistent with Discord
// role membership, the identity-link graph, and the confidence gate.
//
// Every reconciliation runs its read-modify-write cycle inside one store
// transaction with the subject's rows locked, so concurrent events for
// the same subject serialize at the database even across bot processes.
// The in-process in-flight set is only a fast-path short circuit for
// identical duplicate events; it is never the correctness guard.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/metrics"
	"github.com/TrustInBlood/roster-control/pkg/notify"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/policy"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

// Notification categories emitted by the engine.
const (
	EventGranted         = "whitelist.granted"
	EventUpdated         = "whitelist.updated"
	EventRevoked         = "whitelist.revoked"
	EventSecurityBlocked = "whitelist.security_blocked"
	EventSecurityUpgrade = "whitelist.security_upgrade"
)

// Invalidator flushes read-through caches after whitelist writes.
type Invalidator interface {
	Invalidate()
}

// Config wires the engine's collaborators.
type Config struct {
	// Store is the whitelist persistence layer. Required.
	Store *store.GORMStore

	// Verifier re-checks live role membership before a blocked entry is
	// upgraded. When nil, upgrades are skipped entirely: the engine
	// never activates an entry on a stale assumption.
	Verifier roster.Verifier

	// Sink receives notifications after commit. Optional.
	Sink notify.Sink

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.SyncMetrics

	// Invalidator is notified after every committed write. Optional.
	Invalidator Invalidator

	// MaxRetries bounds lock-conflict retries. Default 3.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay, doubled per attempt.
	// Default 50ms.
	RetryBaseDelay time.Duration
}

// Reconciler is the reconciliation engine.
type Reconciler struct {
	store       *store.GORMStore
	verifier    roster.Verifier
	sink        notify.Sink
	metrics     *metrics.SyncMetrics
	invalidator Invalidator
	maxRetries  int
	retryBase   time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Discard{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	return &Reconciler{
		store:       cfg.Store,
		verifier:    cfg.Verifier,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		invalidator: cfg.Invalidator,
		maxRetries:  cfg.MaxRetries,
		retryBase:   cfg.RetryBaseDelay,
		inFlight:    make(map[string]struct{}),
	}, nil
}

// txResult accumulates what one transaction did so the engine can emit
// notifications and metrics only after commit.
type txResult struct {
	outcome       Outcome
	upgraded      bool
	duplicates    int
	wrote         bool
	notifications []notify.Event
}

// Reconcile brings the subject's role-sourced whitelist entries into
// agreement with newTier. A nil newTier means the subject holds no
// tracked role and any active role entries are revoked.
//
// Expected terminal states (no link, security block, no-op) come back as
// Result outcomes, not errors; only infrastructure failures set
// OutcomeError.
func (r *Reconciler) Reconcile(ctx context.Context, discordID string, newTier *roster.Tier, member roster.MemberSnapshot, opts Options) Result {
	start := time.Now()
	result := Result{DiscordID: discordID, TierName: tierName(newTier)}

	// Fast path: an identical reconciliation for this subject is already
	// running in this process. The concurrent run is authoritative (the
	// row lock serializes it); this one would be a no-op replay.
	key := discordID + "\x00" + tierName(newTier)
	if !r.begin(key) {
		logger.Debug("Duplicate reconciliation short-circuited",
			"subject", discordID, "tier", tierName(newTier))
		result.Outcome = OutcomeNoChange
		return result
	}
	defer r.end(key)

	out, err := r.runWithRetry(ctx, discordID, newTier, member, opts)
	if err != nil {
		r.auditFailure(ctx, discordID, member, err)
		r.metrics.RecordReconciliation(string(OutcomeError), time.Since(start))
		result.Outcome = OutcomeError
		result.Err = err
		return result
	}

	if out.wrote && r.invalidator != nil {
		r.invalidator.Invalidate()
	}
	for _, event := range out.notifications {
		if err := r.sink.Send(ctx, event); err != nil {
			// Fire-and-forget: delivery failures never fail the sync.
			logger.Warn("Notification delivery failed",
				"category", event.Category, "subject", discordID, "error", err)
		}
	}

	r.metrics.RecordReconciliation(string(out.outcome), time.Since(start))
	r.metrics.RecordDuplicatesHealed(out.duplicates)

	result.Outcome = out.outcome
	result.Upgraded = out.upgraded
	result.DuplicatesHealed = out.duplicates
	return result
}

// runWithRetry executes the reconciliation transaction, retrying
// lock-conflict failures with exponential backoff.
func (r *Reconciler) runWithRetry(ctx context.Context, discordID string, newTier *roster.Tier, member roster.MemberSnapshot, opts Options) (*txResult, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			r.metrics.RecordRetry()
			delay := r.retryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out := &txResult{outcome: OutcomeNoChange}
		err := r.store.Transaction(ctx, func(tx *store.GORMStore) error {
			return r.apply(ctx, tx, discordID, newTier, member, opts, out)
		})
		if err == nil {
			return out, nil
		}
		if !store.IsConflict(err) {
			return nil, err
		}
		lastErr = err
		logger.Debug("Reconciliation transaction conflict, retrying",
			"subject", discordID, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("reconciliation conflict persisted after %d retries: %w", r.maxRetries, lastErr)
}

// apply is the transactional body: gate, upgrade pass, and tier
// application run as a single unit so no other task observes a
// half-applied state.
func (r *Reconciler) apply(ctx context.Context, tx *store.GORMStore, discordID string, newTier *roster.Tier, member roster.MemberSnapshot, opts Options, out *txResult) error {
	now := time.Now()

	// Resolve the primary link with the row locked. Absence is a valid
	// state, not an error.
	link, err := tx.FindPrimaryLinkForUpdate(ctx, discordID)
	if err != nil {
		if !errors.Is(err, models.ErrLinkNotFound) {
			return err
		}
		link = nil
	}

	// The working set: active entries, placeholders, and blocked records
	// for this subject, newest-grant-first, rows locked.
	entries, err := tx.RoleEntriesForUpdate(ctx, discordID)
	if err != nil {
		return err
	}

	// Gate the requested tier before touching anything.
	if newTier != nil && newTier.Staff {
		decision := policy.Decide(models.GrantTypeStaff, link)
		if !decision.Allowed {
			switch decision.Reason {
			case policy.ReasonNoIdentityLink:
				return r.recordPlaceholder(ctx, tx, discordID, newTier, member, entries, opts, out, now)
			default:
				return r.recordSecurityBlock(ctx, tx, discordID, newTier, member, link, entries, decision, opts, out, now)
			}
		}
	}

	// Upgrade pass: flip previously blocked or placeholder entries whose
	// role the subject verifiably still holds.
	if link != nil && link.Verified() {
		if err := r.upgradePass(ctx, tx, discordID, member, link, entries, out, now); err != nil {
			return err
		}
	}

	return r.applyTier(ctx, tx, discordID, newTier, member, link, entries, opts, out, now)
}

// recordPlaceholder creates or refreshes the unlinked placeholder for an
// elevated tier requested without any identity link.
func (r *Reconciler) recordPlaceholder(ctx context.Context, tx *store.GORMStore, discordID string, newTier *roster.Tier, member roster.MemberSnapshot, entries []*models.WhitelistEntry, opts Options, out *txResult, now time.Time) error {
	out.outcome = OutcomeNoIdentityLink

	var placeholder *models.WhitelistEntry
	for _, e := range entries {
		if !e.UnlinkedPlaceholder() {
			continue
		}
		if placeholder == nil {
			placeholder = e
			continue
		}
		// Stale extra placeholders: keep the most recent, revoke the rest.
		e.Revoke(actorOf(opts), models.ReasonDuplicate, now)
		if err := tx.SaveEntry(ctx, e); err != nil {
			return err
		}
		out.duplicates++
		out.wrote = true
	}

	if placeholder != nil {
		if placeholder.AccessTier == newTier.Name {
			// Placeholder already records this grant; replaying the event
			// changes nothing.
			return nil
		}
		placeholder.AccessTier = newTier.Name
		placeholder.GrantType = string(grantTypeFor(newTier))
		r.stampEntry(placeholder, member, opts)
		if err := tx.SaveEntry(ctx, placeholder); err != nil {
			return err
		}
		out.wrote = true
	} else {
		entry := &models.WhitelistEntry{
			DiscordID:  discordID,
			AccessTier: newTier.Name,
			GrantType:  string(grantTypeFor(newTier)),
			Source:     string(models.SourceRole),
			Approved:   false,
			Revoked:    false,
			GrantedAt:  now,
			GrantedBy:  actorOf(opts),
		}
		entry.SetMeta(models.MetaRequiresLink, true)
		r.stampEntry(entry, member, opts)
		if _, err := tx.CreateEntry(ctx, entry); err != nil {
			return err
		}
		out.wrote = true
	}

	return tx.AppendAudit(ctx, r.auditRecord(models.ActionRoleSync, discordID, member, opts, models.SeverityInfo,
		fmt.Sprintf("role %q recorded without identity link; awaiting account link", newTier.Name),
		nil,
		models.JSONMap{"outcome": string(OutcomeNoIdentityLink), "tier": newTier.Name}))
}

// recordSecurityBlock records a confidence-gate denial: an inert entry
// kept for audit and later upgrade.
func (r *Reconciler) recordSecurityBlock(ctx context.Context, tx *store.GORMStore, discordID string, newTier *roster.Tier, member roster.MemberSnapshot, link *models.IdentityLink, entries []*models.WhitelistEntry, decision policy.Decision, opts Options, out *txResult, now time.Time) error {
	out.outcome = OutcomeSecurityBlocked

	// Reuse an existing record for this tier: a prior block gets its
	// observed confidence refreshed, a placeholder is converted in place.
	var blocked *models.WhitelistEntry
	for _, e := range entries {
		if e.UpgradeCandidate() && e.AccessTier == newTier.Name {
			blocked = e
			break
		}
	}

	if blocked != nil {
		if prev, ok := blocked.Metadata.Float(models.MetaActualConfidence); blocked.SecurityBlocked() && ok && prev == decision.ActualConfidence {
			// Same denial replayed; nothing new to record.
			return nil
		}
		blocked.Approved = false
		blocked.Revoke(actorOf(opts), models.ReasonInsufficientConfidence, now)
	} else {
		blocked = &models.WhitelistEntry{
			DiscordID: discordID,
			Source:    string(models.SourceRole),
			GrantedAt: now,
			GrantedBy: actorOf(opts),
		}
		blocked.Revoke(actorOf(opts), models.ReasonInsufficientConfidence, now)
	}

	blocked.SteamID = link.SteamID
	blocked.AccessTier = newTier.Name
	blocked.GrantType = string(grantTypeFor(newTier))
	blocked.SetMeta(models.MetaSecurityBlocked, true)
	blocked.SetMeta(models.MetaActualConfidence, decision.ActualConfidence)
	blocked.SetMeta(models.MetaRequiredConfidence, decision.RequiredConfidence)
	delete(blocked.Metadata, models.MetaRequiresLink)
	r.stampEntry(blocked, member, opts)

	if blocked.ID == "" {
		if _, err := tx.CreateEntry(ctx, blocked); err != nil {
			return err
		}
	} else if err := tx.SaveEntry(ctx, blocked); err != nil {
		return err
	}
	out.wrote = true

	out.notifications = append(out.notifications, notify.Event{
		Category: EventSecurityBlocked,
		Title:    "Elevated whitelist grant blocked",
		Description: fmt.Sprintf("%s was granted role %q but their identity link is unverified (confidence %.2f < %.2f)",
			displayName(member, discordID), newTier.Name, decision.ActualConfidence, decision.RequiredConfidence),
		Severity:  notify.SeverityWarning,
		Timestamp: now,
	})

	return tx.AppendAudit(ctx, r.auditRecord(models.ActionRoleSync, discordID, member, opts, models.SeverityWarning,
		fmt.Sprintf("elevated grant %q blocked: link confidence %.2f below required %.2f",
			newTier.Name, decision.ActualConfidence, decision.RequiredConfidence),
		nil,
		models.JSONMap{
			"outcome":                    string(OutcomeSecurityBlocked),
			"tier":                       newTier.Name,
			models.MetaActualConfidence:   decision.ActualConfidence,
			models.MetaRequiredConfidence: decision.RequiredConfidence,
		}))
}

// upgradePass flips the most recent blocked/placeholder entry whose role
// the subject verifiably still holds. Live membership is re-checked via
// the verifier; without one, or when verification fails, no upgrade
// happens.
func (r *Reconciler) upgradePass(ctx context.Context, tx *store.GORMStore, discordID string, member roster.MemberSnapshot, link *models.IdentityLink, entries []*models.WhitelistEntry, out *txResult, now time.Time) error {
	if r.verifier == nil {
		return nil
	}

	var upgradedEntry *models.WhitelistEntry
	for _, e := range entries {
		if !e.UpgradeCandidate() {
			continue
		}

		if upgradedEntry != nil {
			// Only the most recent candidate survives; the rest are
			// stale duplicates.
			if !e.Revoked {
				e.Revoke(models.ActorSystem, models.ReasonDuplicate, now)
				if err := tx.SaveEntry(ctx, e); err != nil {
					return err
				}
				out.duplicates++
				out.wrote = true
			}
			continue
		}

		held, err := r.verifier.HoldsTier(ctx, member.GuildID, discordID, e.AccessTier)
		if err != nil {
			// Cannot re-verify: never upgrade on a stale assumption.
			logger.Warn("Role re-verification failed, skipping upgrade",
				"subject", discordID, "tier", e.AccessTier, "error", err)
			continue
		}
		if !held {
			continue
		}

		before := snapshotEntry(e)
		e.Approved = true
		e.Revoked = false
		e.RevokedAt = nil
		e.RevokedBy = ""
		e.RevokedReason = ""
		e.SteamID = link.SteamID
		delete(e.Metadata, models.MetaSecurityBlocked)
		delete(e.Metadata, models.MetaRequiresLink)
		e.SetMeta(models.MetaUpgraded, true)
		e.SetMeta(models.MetaUpgradedAt, now.UTC().Format(time.RFC3339))
		if err := tx.SaveEntry(ctx, e); err != nil {
			return err
		}
		upgradedEntry = e
		out.upgraded = true
		out.wrote = true

		if err := tx.AppendAudit(ctx, &models.AuditRecord{
			ActionType: models.ActionSecurityUpgrade,
			ActorType:  models.ActorSystem,
			TargetType: "member",
			TargetID:   discordID,
			TargetName: displayName(member, discordID),
			Description: fmt.Sprintf("entry for %q upgraded to active: link confidence reached %.2f and role is still held",
				e.AccessTier, link.Confidence),
			BeforeState: before,
			AfterState:  snapshotEntry(e),
			Severity:    string(models.SeverityWarning),
		}); err != nil {
			return err
		}

		out.notifications = append(out.notifications, notify.Event{
			Category: EventSecurityUpgrade,
			Title:    "Whitelist entry upgraded",
			Description: fmt.Sprintf("%s's pending %q grant is now active after identity verification",
				displayName(member, discordID), e.AccessTier),
			Severity:  notify.SeverityWarning,
			Timestamp: now,
		})
	}

	return nil
}

// applyTier reconciles the active entry set against the requested tier.
func (r *Reconciler) applyTier(ctx context.Context, tx *store.GORMStore, discordID string, newTier *roster.Tier, member roster.MemberSnapshot, link *models.IdentityLink, entries []*models.WhitelistEntry, opts Options, out *txResult, now time.Time) error {
	var actives []*models.WhitelistEntry
	for _, e := range entries {
		if e.Active(now) {
			actives = append(actives, e)
		}
	}

	prevTier := ""
	if len(actives) > 0 {
		prevTier = actives[0].AccessTier
	}

	if newTier == nil {
		if len(actives) == 0 {
			if out.wrote {
				out.outcome = OutcomeSuccess
			}
			return nil
		}
		for _, e := range actives {
			e.Revoke(actorOf(opts), models.ReasonRoleRemoved, now)
			if err := tx.SaveEntry(ctx, e); err != nil {
				return err
			}
		}
		out.wrote = true
		out.outcome = OutcomeSuccess
		out.notifications = append(out.notifications, notify.Event{
			Category:    EventRevoked,
			Title:       "Whitelist access revoked",
			Description: fmt.Sprintf("%s no longer holds a tracked role", displayName(member, discordID)),
			Severity:    notify.SeverityInfo,
			Timestamp:   now,
		})
		return tx.AppendAudit(ctx, r.auditRecord(models.ActionRoleSync, discordID, member, opts, models.SeverityInfo,
			fmt.Sprintf("revoked %d role entry(ies): tracked role removed", len(actives)),
			models.JSONMap{"tier": prevTier},
			models.JSONMap{"outcome": string(OutcomeSuccess), "reason": models.ReasonRoleRemoved}))
	}

	// Self-heal duplicates: at most one active role row may survive.
	var keeper *models.WhitelistEntry
	if len(actives) > 0 {
		keeper = actives[0] // newest-grant-first ordering
		for _, e := range actives[1:] {
			e.Revoke(models.ActorSystem, models.ReasonDuplicate, now)
			if err := tx.SaveEntry(ctx, e); err != nil {
				return err
			}
			out.duplicates++
			out.wrote = true
		}
	}

	switch {
	case keeper == nil:
		entry := &models.WhitelistEntry{
			DiscordID:  discordID,
			AccessTier: newTier.Name,
			GrantType:  string(grantTypeFor(newTier)),
			Source:     string(models.SourceRole),
			Approved:   true,
			GrantedAt:  now,
			GrantedBy:  actorOf(opts),
		}
		if link != nil {
			entry.SteamID = link.SteamID
		}
		r.stampEntry(entry, member, opts)
		if _, err := tx.CreateEntry(ctx, entry); err != nil {
			return err
		}
		out.wrote = true
		out.outcome = OutcomeSuccess
		out.notifications = append(out.notifications, notify.Event{
			Category:    EventGranted,
			Title:       "Whitelist access granted",
			Description: fmt.Sprintf("%s granted %q via role sync", displayName(member, discordID), newTier.Name),
			Severity:    notify.SeverityInfo,
			Timestamp:   now,
		})

	case keeper.AccessTier != newTier.Name:
		before := snapshotEntry(keeper)
		keeper.AccessTier = newTier.Name
		keeper.GrantType = string(grantTypeFor(newTier))
		if link != nil {
			keeper.SteamID = link.SteamID
		}
		r.stampEntry(keeper, member, opts)
		if err := tx.SaveEntry(ctx, keeper); err != nil {
			return err
		}
		out.wrote = true
		out.outcome = OutcomeSuccess
		out.notifications = append(out.notifications, notify.Event{
			Category:    EventUpdated,
			Title:       "Whitelist tier changed",
			Description: fmt.Sprintf("%s moved from %q to %q", displayName(member, discordID), before.String("access_tier"), newTier.Name),
			Severity:    notify.SeverityInfo,
			Timestamp:   now,
		})

	default:
		// Tier already matches. Refresh the denormalized game ID if the
		// primary link changed; otherwise this is a pure no-op and exits
		// without an audit write or notification.
		if link != nil && keeper.SteamID != link.SteamID {
			keeper.SteamID = link.SteamID
			if err := tx.SaveEntry(ctx, keeper); err != nil {
				return err
			}
			out.wrote = true
			out.outcome = OutcomeSuccess
		} else if out.wrote {
			out.outcome = OutcomeSuccess
		} else {
			out.outcome = OutcomeNoChange
			return nil
		}
	}

	return tx.AppendAudit(ctx, r.auditRecord(models.ActionRoleSync, discordID, member, opts, models.SeverityInfo,
		fmt.Sprintf("role sync applied tier %q", newTier.Name),
		models.JSONMap{"tier": prevTier},
		models.JSONMap{
			"outcome":           string(out.outcome),
			"tier":              newTier.Name,
			"upgraded":          out.upgraded,
			"duplicates_healed": out.duplicates,
		}))
}

// auditFailure records a best-effort error audit outside the rolled-back
// transaction.
func (r *Reconciler) auditFailure(ctx context.Context, discordID string, member roster.MemberSnapshot, cause error) {
	rec := &models.AuditRecord{
		ActionType:  models.ActionReconcileFailure,
		ActorType:   models.ActorSystem,
		TargetType:  "member",
		TargetID:    discordID,
		TargetName:  displayName(member, discordID),
		Description: cause.Error(),
		Severity:    string(models.SeverityError),
	}
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		logger.Error("Failed to write failure audit record",
			"subject", discordID, "cause", cause, "error", err)
	}
}

func (r *Reconciler) auditRecord(action, discordID string, member roster.MemberSnapshot, opts Options, severity models.AuditSeverity, description string, before, meta models.JSONMap) *models.AuditRecord {
	rec := &models.AuditRecord{
		ActionType:  action,
		ActorType:   models.ActorSystem,
		TargetType:  "member",
		TargetID:    discordID,
		TargetName:  displayName(member, discordID),
		Description: description,
		BeforeState: before,
		Metadata:    meta,
		Severity:    string(severity),
	}
	if opts.ActorID != "" {
		rec.ActorType = models.ActorUser
		rec.ActorID = opts.ActorID
		rec.ActorName = opts.ActorName
	}
	if opts.Source != "" {
		if rec.Metadata == nil {
			rec.Metadata = models.JSONMap{}
		}
		rec.Metadata[models.MetaSyncSource] = opts.Source
	}
	return rec
}

// stampEntry records provenance metadata on an entry before it is written.
func (r *Reconciler) stampEntry(e *models.WhitelistEntry, member roster.MemberSnapshot, opts Options) {
	if member.GuildID != "" {
		e.SetMeta(models.MetaGuildID, member.GuildID)
	}
	if opts.Source != "" {
		e.SetMeta(models.MetaSyncSource, opts.Source)
	}
	for k, v := range opts.Metadata {
		e.SetMeta(k, v)
	}
}

func (r *Reconciler) begin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[key]; busy {
		return false
	}
	r.inFlight[key] = struct{}{}
	return true
}

func (r *Reconciler) end(key string) {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

func tierName(t *roster.Tier) string {
	if t == nil {
		return ""
	}
	return t.Name
}

func grantTypeFor(t *roster.Tier) models.GrantType {
	if t != nil && t.Staff {
		return models.GrantTypeStaff
	}
	return models.GrantTypeMember
}

func actorOf(opts Options) string {
	if opts.ActorID != "" {
		return opts.ActorID
	}
	return models.ActorSystem
}

func displayName(member roster.MemberSnapshot, discordID string) string {
	if member.DisplayName != "" {
		return member.DisplayName
	}
	return discordID
}

// snapshotEntry captures the audit-relevant fields of an entry.
func snapshotEntry(e *models.WhitelistEntry) models.JSONMap {
	snap := models.JSONMap{
		"access_tier": e.AccessTier,
		"grant_type":  e.GrantType,
		"approved":    e.Approved,
		"revoked":     e.Revoked,
		"steam_id":    e.SteamID,
	}
	if e.RevokedReason != "" {
		snap["revoked_reason"] = e.RevokedReason
	}
	return snap
}
