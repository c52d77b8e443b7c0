package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/models"
)

// DefaultBatchSize bounds how many members reconcile concurrently during
// a bulk run. Small on purpose: each member holds row locks for the
// duration of its transaction.
const DefaultBatchSize = 10

// BulkOptions configures one bulk synchronization run.
type BulkOptions struct {
	// GuildID is recorded as provenance on every touched entry.
	GuildID string

	// DryRun computes the per-tier plan without writing anything.
	DryRun bool

	// BatchSize bounds concurrent reconciliations. Default DefaultBatchSize.
	BatchSize int

	// BatchPause is an optional sleep between batches so a large guild
	// does not monopolize the database.
	BatchPause time.Duration

	// ActorID and ActorName identify the administrator who triggered the
	// run; empty means a scheduled system run.
	ActorID   string
	ActorName string
}

// BulkReport aggregates one bulk run.
type BulkReport struct {
	DryRun  bool
	Total   int
	Elapsed time.Duration

	// TierCounts maps tier name to how many members hold it. The empty
	// key counts members with no tracked role whose stale active entries
	// need revoking.
	TierCounts map[string]int

	// Outcomes maps reconciliation outcome to member count (wet runs).
	Outcomes map[Outcome]int

	// DuplicatesHealed sums duplicate rows revoked across the run.
	DuplicatesHealed int

	// Failures holds the per-member error results. A failure never
	// aborts the run; the remaining members still sync.
	Failures []Result
}

// BulkSync reconciles an entire guild roster. Members holding a tracked
// tier are synced toward it; members without one are included only when
// they still have an active role entry to revoke. Per-member failures are
// collected in the report, never propagated.
func (r *Reconciler) BulkSync(ctx context.Context, members []roster.Member, opts BulkOptions) (*BulkReport, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	plan, err := r.planBulk(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("failed to plan bulk sync: %w", err)
	}

	report := &BulkReport{
		DryRun:     opts.DryRun,
		Total:      len(plan),
		TierCounts: make(map[string]int),
		Outcomes:   make(map[Outcome]int),
	}
	for _, m := range plan {
		report.TierCounts[tierName(m.Tier)]++
	}

	if opts.DryRun {
		report.Elapsed = time.Since(start)
		return report, nil
	}

	syncOpts := Options{
		Source:    "bulk",
		ActorID:   opts.ActorID,
		ActorName: opts.ActorName,
	}

	var mu sync.Mutex
	for batchStart := 0; batchStart < len(plan); batchStart += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := batchStart + opts.BatchSize
		if end > len(plan) {
			end = len(plan)
		}

		var wg sync.WaitGroup
		for _, m := range plan[batchStart:end] {
			wg.Add(1)
			go func(m roster.Member) {
				defer wg.Done()
				snapshot := m.Snapshot
				if snapshot.GuildID == "" {
					snapshot.GuildID = opts.GuildID
				}
				res := r.Reconcile(ctx, snapshot.DiscordID, m.Tier, snapshot, syncOpts)
				r.metrics.RecordBulkMember(string(res.Outcome))

				mu.Lock()
				report.Outcomes[res.Outcome]++
				report.DuplicatesHealed += res.DuplicatesHealed
				if res.Outcome == OutcomeError {
					report.Failures = append(report.Failures, res)
				}
				mu.Unlock()
			}(m)
		}
		wg.Wait()

		if opts.BatchPause > 0 && end < len(plan) {
			select {
			case <-time.After(opts.BatchPause):
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}
	}
	report.Elapsed = time.Since(start)

	actorType := models.ActorSystem
	if opts.ActorID != "" {
		actorType = models.ActorUser
	}
	if err := r.store.AppendAudit(ctx, &models.AuditRecord{
		ActionType: models.ActionBulkSync,
		ActorType:  actorType,
		ActorID:    opts.ActorID,
		ActorName:  opts.ActorName,
		TargetType: "guild",
		TargetID:   opts.GuildID,
		Description: fmt.Sprintf("bulk sync processed %d members (%d failures) in %s",
			report.Total, len(report.Failures), report.Elapsed.Round(time.Millisecond)),
		Metadata: models.JSONMap{
			"total":             report.Total,
			"failures":          len(report.Failures),
			"duplicates_healed": report.DuplicatesHealed,
			"outcomes":          outcomeCounts(report.Outcomes),
		},
		Severity: bulkSeverity(report),
	}); err != nil {
		logger.Warn("Failed to write bulk sync audit record", "error", err)
	}

	logger.Info("Bulk sync finished",
		"total", report.Total,
		"failures", len(report.Failures),
		"duplicates_healed", report.DuplicatesHealed,
		"elapsed", report.Elapsed)
	return report, nil
}

// planBulk selects the members a bulk run must touch: everyone with a
// tracked tier, plus tier-less members still holding an active role entry.
func (r *Reconciler) planBulk(ctx context.Context, members []roster.Member) ([]roster.Member, error) {
	entries, err := r.store.ActiveRoleEntries(ctx)
	if err != nil {
		return nil, err
	}
	hasEntry := make(map[string]bool, len(entries))
	for _, e := range entries {
		hasEntry[e.DiscordID] = true
	}

	plan := make([]roster.Member, 0, len(members))
	for _, m := range members {
		if m.Tier != nil || hasEntry[m.Snapshot.DiscordID] {
			plan = append(plan, m)
		}
	}
	return plan, nil
}

func outcomeCounts(outcomes map[Outcome]int) models.JSONMap {
	counts := models.JSONMap{}
	for outcome, n := range outcomes {
		counts[string(outcome)] = n
	}
	return counts
}

func bulkSeverity(report *BulkReport) string {
	if len(report.Failures) > 0 {
		return string(models.SeverityWarning)
	}
	return string(models.SeverityInfo)
}
