package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"vwbackup/internal/backup"
	"vwbackup/internal/logging"
)

// Checker validates database artifacts after decryption: snapshots get a
// full SQLite integrity check, SQL dumps a trial replay into a scratch
// database.
type Checker struct {
	logger *logging.Logger
}

// NewChecker returns a Checker.
func NewChecker(logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Checker{logger: logger}
}

// CheckSnapshot opens the snapshot read-only and runs PRAGMA
// integrity_check, failing unless SQLite reports a clean "ok".
func (c *Checker) CheckSnapshot(ctx context.Context, path string) error {
	db, err := openReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return backup.NewVerificationError("integrity check failed to run", err).WithContext("snapshot", path)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return backup.NewVerificationError("integrity check failed to run", err).WithContext("snapshot", path)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return backup.NewVerificationError("integrity check failed to run", err).WithContext("snapshot", path)
	}
	if len(problems) > 0 {
		return backup.NewVerificationError(
			fmt.Sprintf("integrity check reported %d problem(s): %s", len(problems), strings.Join(problems, "; ")), nil).
			WithContext("snapshot", path)
	}
	return nil
}

// CheckDump replays the SQL dump into an in-memory database and fails
// verification if the replay reports any error.
func (c *Checker) CheckDump(ctx context.Context, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return backup.NewVerificationError("failed to read dump", err).WithContext("dump", path)
	}
	if len(script) == 0 {
		return backup.NewVerificationError("dump is empty", nil).WithContext("dump", path)
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return backup.NewResourceError("failed to open scratch database", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, string(script)); err != nil {
		return backup.NewVerificationError("dump does not replay cleanly", err).WithContext("dump", path)
	}
	return nil
}

// ReplayDump executes the SQL dump into a new database file at dbPath,
// used by restore to turn a dump artifact back into a usable database.
// Any pre-existing file at dbPath is replaced, never merged into.
func (c *Checker) ReplayDump(ctx context.Context, dumpPath, dbPath string) error {
	script, err := os.ReadFile(dumpPath)
	if err != nil {
		return backup.NewRestoreError("failed to read dump", err).WithContext("dump", dumpPath)
	}
	if len(script) == 0 {
		return backup.NewRestoreError("dump is empty", nil).WithContext("dump", dumpPath)
	}

	os.Remove(dbPath)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return backup.NewResourceError("failed to create restored database", err).WithContext("path", dbPath)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, string(script)); err != nil {
		db.Close()
		os.Remove(dbPath)
		return backup.NewRestoreError("dump does not replay cleanly", err).WithContext("dump", dumpPath)
	}
	if err := db.Close(); err != nil {
		os.Remove(dbPath)
		return backup.NewResourceError("failed to finalize restored database", err).WithContext("path", dbPath)
	}

	c.logger.WithFields(map[string]interface{}{
		"dump":   dumpPath,
		"target": dbPath,
	}).Debug("Dump replayed into staged database")
	return nil
}

// RowCounts returns the per-table row counts of a snapshot file so the
// verifier can cross-check them against the live database.
func (c *Checker) RowCounts(ctx context.Context, path string) (map[string]int64, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	counts, err := rowCounts(ctx, db)
	if err != nil {
		return nil, backup.NewVerificationError("failed to count rows", err).WithContext("snapshot", path)
	}
	return counts, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, backup.NewVerificationError("database file is missing", err).WithContext("path", path)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, backup.NewResourceError("failed to open database", err).WithContext("path", path)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
