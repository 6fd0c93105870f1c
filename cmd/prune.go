package cmd

import (
	"fmt"

	"vwbackup/internal/backup"

	"github.com/spf13/cobra"
)

// Prune command flags
var (
	pruneCategory string
	pruneDryRun   bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove backup sets beyond the retention counts",
	Long: `Remove the oldest backup sets until each category is back at its keep
count (30 database sets, 8 full sets by default). Pruning is idempotent: a
second run right after the first removes nothing.

Examples:
  # Prune both categories
  vwbackup prune

  # See what would go without removing anything
  vwbackup prune --dry-run

  # Prune only the full archives
  vwbackup prune --category full`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().StringVar(&pruneCategory, "category", "", "limit to one category (database, full)")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "report what would be removed without removing anything")
}

// pruneNote renders one prune result for the run summary.
func pruneNote(result *backup.PruneResult) string {
	switch {
	case result.DryRun && len(result.Removed) > 0:
		return fmt.Sprintf("would remove %d set(s), freeing %s", len(result.Removed), backup.HumanBytes(result.FreedBytes))
	case result.DryRun:
		return fmt.Sprintf("nothing to remove (%d set(s) retained)", result.Kept)
	case len(result.Removed) > 0:
		return fmt.Sprintf("removed %d set(s), freed %s", len(result.Removed), backup.HumanBytes(result.FreedBytes))
	default:
		return fmt.Sprintf("%d set(s) retained", result.Kept)
	}
}

func runPrune(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}

	if !pruneDryRun {
		lock, err := eng.lock("prune")
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	retention := backup.NewRetention(eng.cfg.Retention, eng.store, eng.logger)
	summary := backup.NewRunSummary("prune")

	if pruneCategory != "" {
		category, err := backup.ParseCategory(pruneCategory)
		if err != nil {
			return err
		}
		result, err := retention.Prune(category, pruneDryRun)
		if err != nil {
			return eng.finishRun(summary, err)
		}
		summary.Record(string(result.Category), backup.StatusOK, pruneNote(result))
		return eng.finishRun(summary, nil)
	}

	results, err := retention.PruneAll(pruneDryRun)
	for _, result := range results {
		summary.Record(string(result.Category), backup.StatusOK, pruneNote(result))
	}
	if err != nil {
		summary.Record("cleanup", backup.StatusDegraded, err.Error())
	}
	return eng.finishRun(summary, nil)
}
