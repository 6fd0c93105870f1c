package cmd

import (
	"errors"
	"fmt"

	"vwbackup/internal/backup"
	"vwbackup/internal/database"

	"github.com/spf13/cobra"
)

// Restore command flags
var (
	restoreDatabaseOnly string
	restoreConfigOnly   string
	restoreLatest       bool
	restoreDryRun       bool
	restoreAutoApprove  bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore [artifact]",
	Short: "Restore the deployment from a backup artifact",
	Long: `Restore the deployment from an encrypted backup artifact. The pipeline
runs as a linear sequence: resolve the artifact, verify it, stop the service,
replace the target files, restart the service and probe its health. There is
no rollback; a failed restore stops where it failed and reports the state.

Database artifacts rewrite the live database. Full archives rewrite the
database, the Docker volumes and the configured host paths; --config-only
and --database-only narrow a full archive to one of those slices.

Examples:
  # Restore the newest database backup
  vwbackup restore --latest

  # Restore a specific full archive without confirmation
  vwbackup restore --auto-approve /var/lib/vwbackup/full/20260825-020000/full-archive-20260825-020000.tar.gz.gpg

  # Restore only the configuration files from a full archive
  vwbackup restore --config-only /var/lib/vwbackup/full/20260825-020000/full-archive-20260825-020000.tar.gz.gpg

  # Rehearse: verify and extract, but leave the deployment untouched
  vwbackup restore --latest --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().StringVar(&restoreDatabaseOnly, "database-only", "", "restore only the database from the given artifact")
	restoreCmd.Flags().StringVar(&restoreConfigOnly, "config-only", "", "restore only the configuration files from the given full archive")
	restoreCmd.Flags().BoolVar(&restoreLatest, "latest", false, "restore the newest database backup")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "verify and extract without touching the live deployment")
	restoreCmd.Flags().BoolVar(&restoreAutoApprove, "auto-approve", false, "skip the interactive confirmation")

	restoreCmd.MarkFlagsMutuallyExclusive("database-only", "config-only")
	restoreCmd.MarkFlagsMutuallyExclusive("database-only", "latest")
	restoreCmd.MarkFlagsMutuallyExclusive("config-only", "latest")
}

// restoreRequest maps the flag and argument combinations onto one restore
// request. Exactly one artifact selector is allowed.
func restoreRequest(args []string, databaseOnly, configOnly string, latest, dryRun bool) (backup.RestoreRequest, error) {
	req := backup.RestoreRequest{DryRun: dryRun}

	switch {
	case databaseOnly != "":
		if len(args) > 0 {
			return req, errors.New("pass the artifact to --database-only or as an argument, not both")
		}
		req.ArtifactPath = databaseOnly
		req.Scope = backup.ScopeDatabase
	case configOnly != "":
		if len(args) > 0 {
			return req, errors.New("pass the artifact to --config-only or as an argument, not both")
		}
		req.ArtifactPath = configOnly
		req.Scope = backup.ScopeConfig
	case latest:
		if len(args) > 0 {
			return req, errors.New("--latest and an explicit artifact are mutually exclusive")
		}
		req.Latest = true
	case len(args) > 0:
		req.ArtifactPath = args[0]
	}
	return req, nil
}

// restoreTargetName names the restore target for the confirmation prompt.
func restoreTargetName(req backup.RestoreRequest) string {
	switch {
	case req.ArtifactPath != "" && req.Scope == backup.ScopeDatabase:
		return fmt.Sprintf("the database from %s", req.ArtifactPath)
	case req.ArtifactPath != "" && req.Scope == backup.ScopeConfig:
		return fmt.Sprintf("the configuration files from %s", req.ArtifactPath)
	case req.ArtifactPath != "":
		return req.ArtifactPath
	default:
		return "the latest database backup"
	}
}

func runRestore(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}

	req, err := restoreRequest(args, restoreDatabaseOnly, restoreConfigOnly, restoreLatest, restoreDryRun)
	if err != nil {
		return err
	}

	if !req.DryRun && !restoreAutoApprove {
		ok, err := eng.renderer.Confirm(fmt.Sprintf("Restore %s onto the live deployment?", restoreTargetName(req)))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Restore cancelled.")
			return nil
		}
	}

	controller, probe, volumes, err := newRuntime(eng.cfg, eng.logger)
	if err != nil {
		return err
	}

	if !req.DryRun {
		lock, err := eng.lock("restore")
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	restorer := backup.NewRestorer(eng.cfg, eng.store, database.NewChecker(eng.logger), controller, probe, volumes, eng.logger)

	summary, err := restorer.Restore(cmd.Context(), req)
	return eng.finishRun(summary, err)
}
