package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vwbackup/internal/backup"
)

func TestCheckerRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.sqlite3")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite file at all"), 0o600))

	checker := NewChecker(nil)
	err := checker.CheckSnapshot(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, backup.ErrorTypeVerification, backup.TypeOf(err))
}

func TestCheckerRejectsTruncatedSnapshot(t *testing.T) {
	fixture := newFixtureDB(t)

	data, err := os.ReadFile(fixture)
	require.NoError(t, err)
	require.Greater(t, len(data), 1024)

	truncated := filepath.Join(t.TempDir(), "truncated.sqlite3")
	require.NoError(t, os.WriteFile(truncated, data[:1024], 0o600))

	checker := NewChecker(nil)
	err = checker.CheckSnapshot(context.Background(), truncated)
	require.Error(t, err)
	assert.Equal(t, backup.ErrorTypeVerification, backup.TypeOf(err))
}

func TestCheckerMissingSnapshot(t *testing.T) {
	checker := NewChecker(nil)
	err := checker.CheckSnapshot(context.Background(), filepath.Join(t.TempDir(), "absent.sqlite3"))
	require.Error(t, err)
	assert.Equal(t, backup.ErrorTypeVerification, backup.TypeOf(err))
}

func TestCheckerDump(t *testing.T) {
	dir := t.TempDir()
	checker := NewChecker(nil)
	ctx := context.Background()

	t.Run("valid dump replays", func(t *testing.T) {
		dump := filepath.Join(dir, "good.sql")
		script := strings.Join([]string{
			"PRAGMA foreign_keys=OFF;",
			"BEGIN TRANSACTION;",
			"CREATE TABLE users (uuid TEXT PRIMARY KEY, email TEXT);",
			"INSERT INTO users VALUES('u1','alice@example.com');",
			"COMMIT;",
		}, "\n")
		require.NoError(t, os.WriteFile(dump, []byte(script), 0o600))
		assert.NoError(t, checker.CheckDump(ctx, dump))
	})

	t.Run("syntax error fails", func(t *testing.T) {
		dump := filepath.Join(dir, "broken.sql")
		require.NoError(t, os.WriteFile(dump, []byte("CREATE TABLE (;"), 0o600))
		err := checker.CheckDump(ctx, dump)
		require.Error(t, err)
		assert.Equal(t, backup.ErrorTypeVerification, backup.TypeOf(err))
	})

	t.Run("empty dump fails", func(t *testing.T) {
		dump := filepath.Join(dir, "empty.sql")
		require.NoError(t, os.WriteFile(dump, nil, 0o600))
		err := checker.CheckDump(ctx, dump)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("missing dump fails", func(t *testing.T) {
		err := checker.CheckDump(ctx, filepath.Join(dir, "absent.sql"))
		assert.Error(t, err)
	})
}

func TestCheckerRowCountsMatchSource(t *testing.T) {
	fixture := newFixtureDB(t)
	ctx := context.Background()

	src, err := NewSource(fixture, nil)
	require.NoError(t, err)
	defer src.Close()

	snapshot := filepath.Join(t.TempDir(), "snap.sqlite3")
	require.NoError(t, src.Snapshot(ctx, snapshot))

	live, err := src.RowCounts(ctx)
	require.NoError(t, err)

	snap, err := NewChecker(nil).RowCounts(ctx, snapshot)
	require.NoError(t, err)

	assert.Equal(t, live, snap)
}
