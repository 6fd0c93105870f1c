package cmd

import (
	"vwbackup/internal/backup"
	"vwbackup/internal/database"

	"github.com/spf13/cobra"
)

// Full backup command flags
var (
	fullIncludeLogs bool
	fullName        string
	fullReportOnly  bool
)

var fullBackupCmd = &cobra.Command{
	Use:   "full-backup",
	Short: "Produce a full deployment archive",
	Long: `Produce a full backup set: one encrypted tar archive holding a fresh
database snapshot, exports of the configured Docker volumes and the
configured host paths. The live secret file is never captured, regardless
of what the configured paths cover.

A missing volume or config path degrades the run instead of failing it;
the archive records what was skipped.

Examples:
  # Weekly full archive
  vwbackup full-backup

  # Archive before an upgrade, including service logs
  vwbackup full-backup --name pre-upgrade --include-logs

  # Inspect what a run would capture
  vwbackup full-backup --report-only`,
	Args: cobra.NoArgs,
	RunE: runFullBackup,
}

func init() {
	rootCmd.AddCommand(fullBackupCmd)

	fullBackupCmd.Flags().BoolVar(&fullIncludeLogs, "include-logs", false, "add the configured log paths to the archive")
	fullBackupCmd.Flags().StringVar(&fullName, "name", "", "label recorded in the set manifest")
	fullBackupCmd.Flags().BoolVar(&fullReportOnly, "report-only", false, "report what would be captured without writing anything")
}

func runFullBackup(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}

	source, err := eng.openSource()
	if err != nil {
		return err
	}
	defer source.Close()

	_, _, volumes, err := newRuntime(eng.cfg, eng.logger)
	if err != nil {
		return err
	}

	if !fullReportOnly {
		lock, err := eng.lock("full-backup")
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	checker := database.NewChecker(eng.logger)
	producer := backup.NewProducer(eng.cfg, eng.store, source, checker, eng.logger)
	assembler := backup.NewAssembler(eng.cfg, eng.store, producer, volumes, eng.logger)

	_, summary, err := assembler.AssembleFull(cmd.Context(), backup.AssembleOptions{
		IncludeLogs: fullIncludeLogs,
		Label:       fullName,
		ReportOnly:  fullReportOnly,
	})
	return eng.finishRun(summary, err)
}
