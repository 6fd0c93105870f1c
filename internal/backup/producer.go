package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vwbackup/internal/config"
	"vwbackup/internal/logging"
)

// Producer turns the live database into one timestamped backup set. Each
// requested format is extracted, compressed, encrypted and verified
// independently: a failing sibling never aborts the others, and the run as a
// whole fails only when the native snapshot was requested and did not make
// it, or when nothing at all did.
type Producer struct {
	cfg         *config.Config
	store       *Store
	source      DatabaseSource
	verifier    *Verifier
	compressors *CompressionManager
	encryptor   Encryptor
	archiver    Archiver
	throttler   Throttler
	offloader   Offloader
	retention   *Retention
	logger      *logging.Logger
}

// NewProducer wires a producer from the immutable configuration and its
// collaborators. The compression, encryption and verification pipeline is
// built here so every caller gets the same artifact semantics.
func NewProducer(cfg *config.Config, store *Store, source DatabaseSource, checker DatabaseChecker, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	compressors := NewCompressionManager(cfg.Compression.Level)
	encryptor := NewPGPEncryptor()
	return &Producer{
		cfg:         cfg,
		store:       store,
		source:      source,
		verifier:    NewVerifier(store, encryptor, compressors, checker, source, logger),
		compressors: compressors,
		encryptor:   encryptor,
		archiver:    NewTarArchiver(),
		throttler:   NewNiceThrottler(cfg.Throttle.Enabled, cfg.Throttle.Niceness, logger),
		offloader:   NewRcloneOffloader(cfg.Offload, logger),
		retention:   NewRetention(cfg.Retention, store, logger),
		logger:      logger,
	}
}

// Verifier exposes the producer's verification pipeline for callers that
// check individual artifacts outside a run.
func (p *Producer) Verifier() *Verifier { return p.verifier }

// ProduceOptions control one database backup run.
type ProduceOptions struct {
	// Formats overrides the configured format list when non-empty.
	Formats []Format
	// Validate promotes verification failures from degraded to fatal.
	Validate bool
	// DryRun reports what the run would do without producing anything.
	DryRun bool
}

// Produce runs one database backup. The returned summary always describes
// every component that ran; the error is non-nil only for fatal conditions.
func (p *Producer) Produce(ctx context.Context, opts ProduceOptions) (set *BackupSet, summary *RunSummary, err error) {
	summary = NewRunSummary("backup")
	start := time.Now()

	formats, err := p.resolveFormats(opts)
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, err
	}
	defer func() {
		p.logger.LogBackupRun(string(CategoryDatabase), formatNames(formats), err == nil, time.Since(start), err)
	}()

	algorithm, err := ParseCompressionType(p.cfg.Compression.Algorithm)
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, NewConfigError("unusable compression configuration", err)
	}
	compressor, err := p.compressors.Get(algorithm)
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, err
	}

	secret, err := p.cfg.ResolveSecret()
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, NewConfigError("no usable encryption passphrase", err)
	}

	dbSize, err := p.preflight()
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, err
	}
	free, _ := p.store.FreeSpace()
	preflightNote := fmt.Sprintf("database %s, %s free", HumanBytes(dbSize), HumanBytes(int64(free)))

	if opts.DryRun {
		summary.Record("preflight", StatusOK, preflightNote)
		for _, format := range formats {
			summary.Record(string(format), StatusSkipped, "dry run")
		}
		summary.Record("verify", StatusSkipped, "dry run")
		summary.Record("retention", StatusSkipped, "dry run")
		summary.Record("offload", StatusSkipped, "dry run")
		p.logger.WithFields(map[string]interface{}{
			"formats": strings.Join(formatNames(formats), ","),
			"target":  p.store.CategoryDir(CategoryDatabase),
		}).Info("Dry run: nothing produced")
		return nil, summary, nil
	}
	summary.Record("preflight", StatusOK, preflightNote)

	if swept, serr := p.store.SweepStaging(24 * time.Hour); serr == nil && swept > 0 {
		p.logger.WithFields(map[string]interface{}{"removed": swept}).Warning("Cleared staging leftovers from earlier runs")
	}

	runID := GenerateRunID("backup")
	staging, err := p.store.NewStaging(runID)
	if err != nil {
		return nil, summary, err
	}
	defer p.store.CleanupStaging(staging)

	set = &BackupSet{
		Category:  CategoryDatabase,
		Timestamp: FormatTimestamp(start),
		CreatedAt: start.UTC(),
		Staging:   staging,
	}

	// Per-format production. Failures are collected, never propagated across
	// siblings.
	var errs ErrorList
	var nativeFailure error
	cancelled := false
	for _, format := range formats {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			summary.Record(string(format), StatusSkipped, "run cancelled")
			continue
		}

		artifact, ferr := p.produceFormat(ctx, set, format, compressor, secret)
		if ferr != nil {
			errs.Add(ferr)
			if format == FormatNative {
				nativeFailure = ferr
				summary.Record(string(format), StatusFailed, ferr.Error())
			} else {
				summary.Record(string(format), StatusDegraded, ferr.Error())
			}
			p.logger.WithFields(map[string]interface{}{
				"format": format,
				"error":  ferr.Error(),
			}).Error("Format failed, continuing with remaining formats")
			continue
		}
		set.Artifacts = append(set.Artifacts, artifact)
		summary.Record(string(format), StatusOK,
			fmt.Sprintf("%s (%s encrypted)", artifact.Name, HumanBytes(artifact.EncryptedSize)))
	}
	if cancelled {
		return nil, summary, NewResourceError("backup run cancelled", ctx.Err())
	}

	if nativeFailure != nil {
		return nil, summary, nativeFailure
	}
	if len(set.Artifacts) == 0 {
		return nil, summary, NewArtifactError("every requested format failed", errs.Err())
	}

	// Verify while still staged so a --validate failure commits nothing.
	results, verr := p.verifier.VerifySet(ctx, set, secret)
	if verr != nil {
		return nil, summary, verr
	}
	validate := opts.Validate || p.cfg.Backup.Validate
	if err := summarizeVerification(summary, results, validate); err != nil {
		return nil, summary, err
	}

	if err := p.store.WriteManifest(set.Staging, set); err != nil {
		return nil, summary, err
	}
	if err := p.store.Commit(set); err != nil {
		return nil, summary, err
	}

	pruneAndOffload(ctx, p.retention, p.offloader, set, summary)
	return set, summary, nil
}

// summarizeVerification folds per-artifact verification results into the
// run summary. A failure is fatal only when validate is set; otherwise the
// failed artifacts stay on disk, flagged in the manifest for inspection.
func summarizeVerification(summary *RunSummary, results []*VerificationResult, validate bool) error {
	var failedNames []string
	warnings := 0
	for _, result := range results {
		if !result.Passed {
			failedNames = append(failedNames, result.Artifact)
		}
		warnings += len(result.Warnings)
	}
	switch {
	case len(failedNames) > 0 && validate:
		summary.Record("verify", StatusFailed, strings.Join(failedNames, ", "))
		return NewVerificationError(
			fmt.Sprintf("verification failed for %s", strings.Join(failedNames, ", ")), nil)
	case len(failedNames) > 0:
		summary.Record("verify", StatusDegraded,
			fmt.Sprintf("%d artifact(s) failed verification, kept for inspection", len(failedNames)))
	case warnings > 0:
		summary.Record("verify", StatusOK,
			fmt.Sprintf("%d artifact(s) verified, %d warning(s)", len(results), warnings))
	default:
		summary.Record("verify", StatusOK, fmt.Sprintf("%d artifact(s) verified", len(results)))
	}
	return nil
}

// pruneAndOffload runs the post-success side channels. Neither can fail the
// run: the backup set is already committed. The sweep spares the set this
// run produced.
func pruneAndOffload(ctx context.Context, retention *Retention, offloader Offloader, set *BackupSet, summary *RunSummary) {
	pruned, err := retention.PruneAfterRun(set)
	switch {
	case err != nil:
		summary.Record("retention", StatusDegraded, err.Error())
	case len(pruned.Removed) > 0:
		summary.Record("retention", StatusOK,
			fmt.Sprintf("removed %d set(s), freed %s", len(pruned.Removed), HumanBytes(pruned.FreedBytes)))
	default:
		summary.Record("retention", StatusOK, fmt.Sprintf("%d set(s) retained", pruned.Kept))
	}

	if offloader == nil || !offloader.Enabled() {
		summary.Record("offload", StatusSkipped, "no remote configured")
		return
	}
	if err := offloader.Offload(ctx, set); err != nil {
		summary.Record("offload", StatusDegraded, err.Error())
		return
	}
	summary.Record("offload", StatusOK, "set mirrored to remote")
}

// produceFormat runs the extract, compress, encrypt pipeline for one format
// inside the set's staging directory. Plaintext intermediates are removed
// before return on every path.
func (p *Producer) produceFormat(ctx context.Context, set *BackupSet, format Format, compressor Compressor, secret config.Secret) (*BackupArtifact, error) {
	start := time.Now()
	plain := filepath.Join(set.Staging,
		fmt.Sprintf("%s-%s-%s.%s", set.Category, format, set.Timestamp, format.Extension()))

	if err := p.extract(ctx, format, plain); err != nil {
		os.Remove(plain)
		return nil, err
	}

	artifact, err := sealArtifact(p.throttler, compressor, p.encryptor, plain, format, secret)
	if err != nil {
		return nil, err
	}
	p.logger.LogArtifactProduced(artifact.Name, string(format), artifact.Size, artifact.EncryptedSize, time.Since(start))
	return artifact, nil
}

// sealArtifact turns a plaintext file into a finished encrypted artifact:
// compress under the throttler, encrypt, stat. The plaintext and the
// compressed intermediate are consumed; on failure nothing of either
// remains.
func sealArtifact(throttler Throttler, compressor Compressor, encryptor Encryptor, plain string, format Format, secret config.Secret) (*BackupArtifact, error) {
	var compressed string
	var stats *CompressionStats
	err := throttler.Run(func() error {
		var cerr error
		compressed, stats, cerr = compressor.Compress(plain)
		return cerr
	})
	if err != nil {
		os.Remove(plain)
		return nil, err
	}

	encrypted, err := encryptor.Encrypt(compressed, secret)
	if compressed != plain {
		os.Remove(compressed)
	}
	os.Remove(plain)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(encrypted)
	if err != nil {
		return nil, NewArtifactError("finished artifact disappeared", err)
	}

	return &BackupArtifact{
		Name:           filepath.Base(encrypted),
		Path:           encrypted,
		Format:         format,
		Compression:    compressor.Algorithm(),
		Size:           stats.OriginalSize,
		CompressedSize: stats.CompressedSize,
		EncryptedSize:  fi.Size(),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// extract writes the format-specific representation of the live source to
// dst. Every path through here is read-only against the source.
func (p *Producer) extract(ctx context.Context, format Format, dst string) error {
	switch format {
	case FormatNative:
		return p.source.Snapshot(ctx, dst)
	case FormatDump:
		return p.source.Dump(ctx, dst)
	case FormatJSON:
		return p.source.ExportJSON(ctx, dst)
	case FormatCSV:
		return p.exportCSVBundle(ctx, dst)
	default:
		return NewArtifactError(fmt.Sprintf("format %s cannot be produced from the database source", format), nil)
	}
}

// exportCSVBundle writes the per-table CSV files into a private directory
// and bundles them into one tar, so the set carries a single artifact
// instead of a sprawl of small ones.
func (p *Producer) exportCSVBundle(ctx context.Context, dst string) error {
	dir, err := os.MkdirTemp(filepath.Dir(dst), "csv-")
	if err != nil {
		return NewResourceError("failed to create CSV export directory", err)
	}
	defer os.RemoveAll(dir)

	files, err := p.source.ExportCSV(ctx, dir)
	if err != nil {
		return err
	}
	p.logger.WithFields(map[string]interface{}{"tables": len(files)}).Debug("CSV export complete, bundling")

	actx, cancel := context.WithTimeout(ctx, p.cfg.Runtime.ArchiveTimeout)
	defer cancel()
	return p.archiver.Archive(actx, dir, dst)
}

// preflight fails fast before any side effect: the source file must exist,
// the backup root must be writable, and there must be room for the
// transient plaintext plus compressed copies a format run holds.
func (p *Producer) preflight() (int64, error) {
	fi, err := os.Stat(p.source.Path())
	if err != nil {
		return 0, NewConfigError(fmt.Sprintf("database file %s is not accessible", p.source.Path()), err)
	}
	dbSize := fi.Size()

	if err := p.store.HealthCheck(); err != nil {
		return 0, err
	}

	free, err := p.store.FreeSpace()
	if err != nil {
		return 0, err
	}
	need := uint64(dbSize) * 2
	if free < need {
		return 0, NewResourceError(
			fmt.Sprintf("insufficient free space under %s: need %s, have %s",
				p.store.Root(), HumanBytes(int64(need)), HumanBytes(int64(free))), nil)
	}
	return dbSize, nil
}

// resolveFormats picks the formats for this run: explicit request first,
// configuration second. Duplicates collapse, first occurrence wins.
func (p *Producer) resolveFormats(opts ProduceOptions) ([]Format, error) {
	requested := opts.Formats
	if len(requested) == 0 {
		for _, raw := range p.cfg.Backup.Formats {
			parsed, err := ParseFormats(raw)
			if err != nil {
				return nil, NewConfigError("unusable backup.formats configuration", err)
			}
			requested = append(requested, parsed...)
		}
	}
	if len(requested) == 0 {
		requested = []Format{FormatNative}
	}

	seen := make(map[Format]bool, len(requested))
	formats := make([]Format, 0, len(requested))
	for _, f := range requested {
		if seen[f] {
			continue
		}
		seen[f] = true
		formats = append(formats, f)
	}
	return formats, nil
}

func formatNames(formats []Format) []string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return names
}
