package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TrustInBlood/roster-control/internal/cli/output"
	"github.com/TrustInBlood/roster-control/internal/logger"
	"github.com/TrustInBlood/roster-control/pkg/config"
	"github.com/TrustInBlood/roster-control/pkg/notify"
	"github.com/TrustInBlood/roster-control/pkg/roster"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/reconcile"
	"github.com/TrustInBlood/roster-control/pkg/whitelist/store"
)

var (
	syncRosterFile string
	syncDryRun     bool
	syncCleanup    bool
	syncOutput     string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot bulk sync from a roster snapshot",
	Long: `Reconcile the whole whitelist against a guild roster snapshot.

The snapshot is a JSON file exported by the Discord front-end: an array
of members with their role IDs. Each member's access tier is derived
from the role-to-tier mapping in the configuration, and every member is
reconciled exactly as if their roles had just changed.

Examples:
  # Preview what a sync would do
  rosterd sync --roster roster.json --dry-run

  # Run the sync
  rosterd sync --roster roster.json

  # Also revoke entries of members no longer in the snapshot
  rosterd sync --roster roster.json --cleanup`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncRosterFile, "roster", "", "Path to the roster snapshot JSON file (required)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Report what would change without writing")
	syncCmd.Flags().BoolVar(&syncCleanup, "cleanup", false, "Also revoke role entries of members missing from the snapshot")
	syncCmd.Flags().StringVarP(&syncOutput, "output", "o", "table", "Output format (table|json|yaml)")
	_ = syncCmd.MarkFlagRequired("roster")
}

const timeRounding = 10 * time.Millisecond

func runSync(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(syncOutput)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	members, err := roster.LoadSnapshotFile(syncRosterFile, cfg.Discord.GuildID, cfg.Discord.TierResolver())
	if err != nil {
		return err
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize whitelist store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var sink notify.Sink = notify.Discard{}
	if cfg.Notifications.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout)
	}

	// The loaded snapshot doubles as the verifier: blocked entries whose
	// subject verifiably holds the role in this roster get upgraded
	// during the sync.
	reconciler, err := reconcile.New(reconcile.Config{
		Store:      st,
		Verifier:   roster.NewSnapshotVerifier(roster.StaticProvider(members)),
		Sink:       sink,
		MaxRetries: cfg.Sync.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	// A long sync should die cleanly on Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := reconciler.BulkSync(ctx, members, reconcile.BulkOptions{
		GuildID:    cfg.Discord.GuildID,
		DryRun:     syncDryRun,
		BatchSize:  cfg.Sync.BulkBatchSize,
		BatchPause: cfg.Sync.BulkBatchPause,
	})
	if err != nil {
		return fmt.Errorf("bulk sync failed: %w", err)
	}

	var cleanup *reconcile.CleanupReport
	if syncCleanup && !syncDryRun {
		present := make([]roster.MemberSnapshot, 0, len(members))
		for _, m := range members {
			present = append(present, m.Snapshot)
		}
		cleanup, err = reconciler.CleanupDeparted(ctx, present)
		if err != nil {
			return fmt.Errorf("departed cleanup failed: %w", err)
		}
	}

	return printSyncReport(format, report, cleanup)
}

func printSyncReport(format output.Format, report *reconcile.BulkReport, cleanup *reconcile.CleanupReport) error {
	if format != output.FormatTable {
		printer := output.NewPrinter(os.Stdout, format, false)
		combined := map[string]any{"sync": report}
		if cleanup != nil {
			combined["cleanup"] = cleanup
		}
		return printer.Print(combined)
	}

	printer := output.DefaultPrinter()
	if report.DryRun {
		printer.Warning("Dry run: nothing was written")
	}
	printer.Printf("Reconciled %d members in %s\n\n", report.Total, report.Elapsed.Round(timeRounding))

	table := output.NewTableData("TIER", "MEMBERS")
	for _, name := range sortedKeys(report.TierCounts) {
		label := name
		if label == "" {
			label = "(stale entries, no tracked role)"
		}
		table.AddRow(label, fmt.Sprintf("%d", report.TierCounts[name]))
	}
	if err := output.PrintTable(printer.Writer(), table); err != nil {
		return err
	}

	if !report.DryRun {
		printer.Println()
		outcomes := output.NewTableData("OUTCOME", "COUNT")
		for _, oc := range sortedOutcomes(report.Outcomes) {
			outcomes.AddRow(string(oc), fmt.Sprintf("%d", report.Outcomes[oc]))
		}
		if err := output.PrintTable(printer.Writer(), outcomes); err != nil {
			return err
		}
		if report.DuplicatesHealed > 0 {
			printer.Printf("\nDuplicate entries healed: %d\n", report.DuplicatesHealed)
		}
	}

	if len(report.Failures) > 0 {
		printer.Println()
		printer.Error(fmt.Sprintf("%d members failed to reconcile:", len(report.Failures)))
		for _, f := range report.Failures {
			printer.Printf("  %s: %v\n", f.DiscordID, f.Err)
		}
	} else if !report.DryRun {
		printer.Success("Sync completed without failures")
	}

	if cleanup != nil {
		printer.Printf("\nDeparted cleanup: %d scanned, %d departed, %d entries revoked\n",
			cleanup.Scanned, cleanup.Departed, cleanup.Revoked)
		for id, err := range cleanup.Failures {
			printer.Printf("  %s: %v\n", id, err)
		}
	}

	logger.Debug("Sync report rendered", "total", report.Total, "failures", len(report.Failures))
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOutcomes(m map[reconcile.Outcome]int) []reconcile.Outcome {
	keys := make([]reconcile.Outcome, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
