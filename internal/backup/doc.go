// Package backup implements the backup engine: producing encrypted backup
// sets, verifying them layer by layer, enforcing retention, and restoring
// the deployment from an artifact.
//
// A backup set is a timestamped directory under the backup root holding one
// or more artifacts plus a manifest. Every artifact goes through the same
// pipeline: export, compress, encrypt with a symmetric OpenPGP passphrase,
// then verify. Sets are written to a staging area and committed with a
// rename, so a crashed run never leaves a partial set where the lister or
// the retention sweep could see it.
//
// Core components:
//
//   - Producer: exports the database in the requested formats and seals one
//     database backup set
//   - Assembler: builds a full backup set covering the database, the Docker
//     volumes and the configured host paths
//   - Verifier: checks an artifact in layers (exists, decrypt, decompress,
//     structure, cross-check) without touching the live deployment
//   - Restorer: replays an artifact onto the deployment as a linear
//     sequence of steps, with no rollback
//   - Retention: prunes the oldest sets beyond the per-category keep count
//   - Store: owns the on-disk layout, the manifests and the staging area
//
// Example usage:
//
//	store, err := backup.NewStore(cfg.Backup.Root, logger)
//	if err != nil {
//		return err
//	}
//
//	producer := backup.NewProducer(cfg, store, source, checker, logger)
//	set, summary, err := producer.Produce(ctx, backup.ProduceOptions{
//		Formats:  []backup.Format{backup.FormatNative},
//		Validate: true,
//	})
//	if err != nil {
//		return fmt.Errorf("backup failed: %w", err)
//	}
//
//	result, err := producer.Verifier().VerifyPath(ctx, artifactPath, secret)
//	if err != nil {
//		return fmt.Errorf("verification failed: %w", err)
//	}
//
// Concurrent runs are excluded by a RunLock file next to the backup root;
// callers acquire it before any mutating operation and release it when the
// run finishes either way.
package backup
