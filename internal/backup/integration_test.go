package backup_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vwbackup/internal/backup"
	"vwbackup/internal/config"
	"vwbackup/internal/database"
)

const roundTripPassphraseEnv = "VWBACKUP_ROUNDTRIP_PASSPHRASE"

// newDeployment lays out a live SQLite database and an empty backup root
// the way a real host would have them, and returns a configuration pointing
// at both.
func newDeployment(t *testing.T) (*config.Config, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite3")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE users (
			uuid TEXT PRIMARY KEY,
			email TEXT NOT NULL
		)`,
		`CREATE TABLE ciphers (
			uuid TEXT PRIMARY KEY,
			user_uuid TEXT,
			data BLOB
		)`,
		`INSERT INTO users VALUES ('u1', 'alice@example.com')`,
		`INSERT INTO users VALUES ('u2', 'bob@example.com')`,
		`INSERT INTO ciphers VALUES ('c1', 'u1', X'00ff10')`,
		`INSERT INTO ciphers VALUES ('c2', 'u2', NULL)`,
		`INSERT INTO ciphers VALUES ('c3', 'u1', X'deadbeef')`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	cfg := config.New()
	cfg.DatabaseURL = dbPath
	cfg.Backup.Root = filepath.Join(dir, "backups")
	cfg.Encryption.PassphraseEnv = roundTripPassphraseEnv
	cfg.Compression.Algorithm = "gzip"
	cfg.Compression.Level = 6
	cfg.Retention.DatabaseKeep = 30
	cfg.Retention.FullKeep = 8
	cfg.Throttle.Enabled = false

	t.Setenv(roundTripPassphraseEnv, "round trip passphrase")
	return cfg, dbPath
}

// The whole engine, no fakes: produce an encrypted backup of a real SQLite
// database, verify it, destroy the live database, restore from the backup
// and check the data came back.
func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg, dbPath := newDeployment(t)

	store, err := backup.NewStore(cfg.Backup.Root, nil)
	require.NoError(t, err)

	source, err := database.NewSource(dbPath, nil)
	require.NoError(t, err)
	defer source.Close()
	checker := database.NewChecker(nil)

	producer := backup.NewProducer(cfg, store, source, checker, nil)
	set, summary, err := producer.Produce(ctx, backup.ProduceOptions{
		Formats:  []backup.Format{backup.FormatNative, backup.FormatDump},
		Validate: true,
	})
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, backup.ExitSuccess, summary.ExitCode())
	require.Len(t, set.Artifacts, 2)
	for _, artifact := range set.Artifacts {
		assert.True(t, artifact.Verified, "artifact %s must verify", artifact.Name)
	}

	// Standalone verification of the native artifact, cross-checked
	// against the still-intact live database.
	secret, err := cfg.ResolveSecret()
	require.NoError(t, err)
	native := set.Artifact(backup.FormatNative)
	require.NotNil(t, native)

	result, err := producer.Verifier().VerifyPath(ctx, filepath.Join(set.Dir, native.Name), secret)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Warnings)

	// Wreck the live database the way a bad disk would.
	require.NoError(t, os.WriteFile(dbPath, []byte("not a database anymore"), 0o600))
	require.Error(t, checker.CheckSnapshot(ctx, dbPath))

	restorer := backup.NewRestorer(cfg, store, checker, nil, nil, nil, nil)
	restoreSummary, err := restorer.Restore(ctx, backup.RestoreRequest{Latest: true})
	require.NoError(t, err)
	assert.Equal(t, backup.ExitSuccess, restoreSummary.ExitCode())

	require.NoError(t, checker.CheckSnapshot(ctx, dbPath))
	counts, err := checker.RowCounts(ctx, dbPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"users": 2, "ciphers": 3}, counts)
}

// A dry-run restore must leave a broken deployment exactly as broken as it
// found it.
func TestRestoreDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	cfg, dbPath := newDeployment(t)

	store, err := backup.NewStore(cfg.Backup.Root, nil)
	require.NoError(t, err)

	source, err := database.NewSource(dbPath, nil)
	require.NoError(t, err)
	checker := database.NewChecker(nil)

	producer := backup.NewProducer(cfg, store, source, checker, nil)
	_, _, err = producer.Produce(ctx, backup.ProduceOptions{
		Formats: []backup.Format{backup.FormatNative},
	})
	require.NoError(t, err)
	require.NoError(t, source.Close())

	damaged := []byte("still not a database")
	require.NoError(t, os.WriteFile(dbPath, damaged, 0o600))

	restorer := backup.NewRestorer(cfg, store, checker, nil, nil, nil, nil)
	summary, err := restorer.Restore(ctx, backup.RestoreRequest{Latest: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, backup.ExitSuccess, summary.ExitCode())

	after, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, damaged, after, "dry run must not rewrite the database")
}

// Back-to-back prunes must agree: the second run finds nothing to remove.
func TestRetentionRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg, dbPath := newDeployment(t)
	cfg.Retention.DatabaseKeep = 1

	store, err := backup.NewStore(cfg.Backup.Root, nil)
	require.NoError(t, err)

	source, err := database.NewSource(dbPath, nil)
	require.NoError(t, err)
	defer source.Close()
	checker := database.NewChecker(nil)

	producer := backup.NewProducer(cfg, store, source, checker, nil)
	_, _, err = producer.Produce(ctx, backup.ProduceOptions{
		Formats: []backup.Format{backup.FormatNative},
	})
	require.NoError(t, err)

	// The run's own sweep spares the set it just made, so the standalone
	// prune sees exactly the keep count.
	retention := backup.NewRetention(cfg.Retention, store, nil)
	result, err := retention.Prune(backup.CategoryDatabase, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Kept)
	assert.Empty(t, result.Removed)

	again, err := retention.Prune(backup.CategoryDatabase, false)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Kept)
	assert.Empty(t, again.Removed)
}
