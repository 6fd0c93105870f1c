package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vwbackup/internal/config"
	"vwbackup/internal/logging"
)

// Assembler builds full backup sets: every configured volume, the config
// allow-list and a database backup set are staged into one tree, archived
// and sealed as a single encrypted artifact. The live secret file never
// enters the tree, no matter how the allow-list is written.
type Assembler struct {
	cfg      *config.Config
	store    *Store
	producer *Producer
	volumes  VolumeManager

	compressors *CompressionManager
	encryptor   Encryptor
	archiver    Archiver
	verifier    *Verifier
	throttler   Throttler
	offloader   Offloader
	retention   *Retention
	logger      *logging.Logger
}

// NewAssembler wires an assembler around an existing producer so both share
// one compression, encryption and verification pipeline. volumes may be nil
// when no container runtime is reachable; volume capture then degrades
// instead of failing.
func NewAssembler(cfg *config.Config, store *Store, producer *Producer, volumes VolumeManager, logger *logging.Logger) *Assembler {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Assembler{
		cfg:         cfg,
		store:       store,
		producer:    producer,
		volumes:     volumes,
		compressors: producer.compressors,
		encryptor:   producer.encryptor,
		archiver:    producer.archiver,
		verifier:    producer.verifier,
		throttler:   producer.throttler,
		offloader:   producer.offloader,
		retention:   producer.retention,
		logger:      logger,
	}
}

// AssembleOptions control one full backup run.
type AssembleOptions struct {
	// IncludeLogs adds the configured log paths to the archive.
	IncludeLogs bool
	// Label is recorded in the set manifest, e.g. "pre-upgrade".
	Label string
	// ReportOnly inspects what a run would capture without touching
	// anything.
	ReportOnly bool
}

// AssembleFull runs one full backup. Volume and config-path problems
// degrade the run; a missing database backup is fatal because an archive
// without the database is not a usable recovery point.
func (a *Assembler) AssembleFull(ctx context.Context, opts AssembleOptions) (set *BackupSet, summary *RunSummary, err error) {
	summary = NewRunSummary("full-backup")
	start := time.Now()
	defer func() {
		a.logger.LogBackupRun(string(CategoryFull), []string{string(FormatArchive)}, err == nil, time.Since(start), err)
	}()

	algorithm, err := ParseCompressionType(a.cfg.Compression.Algorithm)
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, NewConfigError("unusable compression configuration", err)
	}

	if opts.ReportOnly {
		return nil, summary, a.report(opts, summary)
	}

	compressor, err := a.compressors.Get(algorithm)
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, err
	}
	secret, err := a.cfg.ResolveSecret()
	if err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, NewConfigError("no usable encryption passphrase", err)
	}
	if err := a.store.HealthCheck(); err != nil {
		summary.Record("preflight", StatusFailed, err.Error())
		return nil, summary, err
	}
	summary.Record("preflight", StatusOK, "")

	staging, err := a.store.NewStaging(GenerateRunID("full"))
	if err != nil {
		return nil, summary, err
	}
	defer a.store.CleanupStaging(staging)

	ts := FormatTimestamp(start)
	tree := filepath.Join(staging, "full-"+ts)
	if err := os.MkdirAll(tree, 0o700); err != nil {
		return nil, summary, NewResourceError("failed to create snapshot tree", err)
	}

	set = &BackupSet{
		Category:  CategoryFull,
		Timestamp: ts,
		Label:     opts.Label,
		CreatedAt: start.UTC(),
		Staging:   staging,
	}

	a.captureVolumes(ctx, tree, summary)
	if err := ctx.Err(); err != nil {
		return nil, summary, NewResourceError("full backup run cancelled", err)
	}

	a.captureConfig(tree, summary)
	a.captureLogs(tree, opts, summary)

	dbNote, err := a.captureDatabase(ctx, tree)
	if err != nil {
		summary.Record("database", StatusFailed, err.Error())
		return nil, summary, err
	}
	summary.Record("database", StatusOK, dbNote)
	if err := ctx.Err(); err != nil {
		return nil, summary, NewResourceError("full backup run cancelled", err)
	}

	plain := filepath.Join(staging,
		fmt.Sprintf("%s-%s-%s.%s", CategoryFull, FormatArchive, ts, FormatArchive.Extension()))
	actx, cancel := context.WithTimeout(ctx, a.cfg.Runtime.ArchiveTimeout)
	err = a.archiver.Archive(actx, tree, plain)
	cancel()
	if err != nil {
		return nil, summary, err
	}
	// The tree is fully captured in the tar; drop it before compression so
	// the run's peak disk usage stays bounded.
	os.RemoveAll(tree)

	artifact, err := sealArtifact(a.throttler, compressor, a.encryptor, plain, FormatArchive, secret)
	if err != nil {
		summary.Record("archive", StatusFailed, err.Error())
		return nil, summary, err
	}
	set.Artifacts = append(set.Artifacts, artifact)
	summary.Record("archive", StatusOK,
		fmt.Sprintf("%s (%s encrypted)", artifact.Name, HumanBytes(artifact.EncryptedSize)))
	a.logger.LogArtifactProduced(artifact.Name, string(FormatArchive), artifact.Size, artifact.EncryptedSize, time.Since(start))

	results, verr := a.verifier.VerifySet(ctx, set, secret)
	if verr != nil {
		return nil, summary, verr
	}
	if err := summarizeVerification(summary, results, a.cfg.Backup.Validate); err != nil {
		return nil, summary, err
	}

	if err := a.store.WriteManifest(set.Staging, set); err != nil {
		return nil, summary, err
	}
	if err := a.store.Commit(set); err != nil {
		return nil, summary, err
	}

	pruneAndOffload(ctx, a.retention, a.offloader, set, summary)
	return set, summary, nil
}

// report walks what a run would capture and records it without side
// effects: nothing staged, nothing exported, nothing produced.
func (a *Assembler) report(opts AssembleOptions, summary *RunSummary) error {
	if names := a.cfg.Runtime.Volumes; len(names) == 0 {
		summary.Record("volumes", StatusSkipped, "no volumes configured")
	} else {
		summary.Record("volumes", StatusOK,
			fmt.Sprintf("%d volume(s): %s", len(names), strings.Join(names, ", ")))
	}

	a.reportPaths("config", a.cfg.Runtime.ConfigPaths, summary)
	if opts.IncludeLogs {
		a.reportPaths("logs", a.cfg.Runtime.LogPaths, summary)
	} else {
		summary.Record("logs", StatusSkipped, "not requested")
	}

	newest, fresh, err := a.freshDatabaseSet()
	switch {
	case err != nil:
		return err
	case newest == nil:
		summary.Record("database", StatusOK, "no database set yet, a fresh native backup would run")
	case fresh:
		summary.Record("database", StatusOK,
			fmt.Sprintf("would reuse set %s (age %s, %s)",
				newest.ID(), newest.Age(time.Now()).Round(time.Minute), HumanBytes(newest.TotalSize())))
	default:
		summary.Record("database", StatusOK,
			fmt.Sprintf("newest set %s is %s old, a fresh native backup would run",
				newest.ID(), newest.Age(time.Now()).Round(time.Minute)))
	}

	a.logger.Info("Report only: nothing captured")
	return nil
}

func (a *Assembler) reportPaths(name string, paths []string, summary *RunSummary) {
	if len(paths) == 0 {
		summary.Record(name, StatusSkipped, fmt.Sprintf("no %s paths configured", name))
		return
	}
	stats, err := a.capturePaths(paths, "", false)
	if err != nil {
		summary.Record(name, StatusDegraded, err.Error())
		return
	}
	summary.Record(name, statusForStats(stats), stats.note())
}

// captureVolumes exports every configured volume into the tree. Per-volume
// failures degrade the run and the remaining volumes still export.
func (a *Assembler) captureVolumes(ctx context.Context, tree string, summary *RunSummary) {
	names := a.cfg.Runtime.Volumes
	if len(names) == 0 {
		summary.Record("volumes", StatusSkipped, "no volumes configured")
		return
	}
	if a.volumes == nil {
		summary.Record("volumes", StatusDegraded, "no container runtime available to export volumes")
		return
	}

	dir := filepath.Join(tree, "volumes")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		summary.Record("volumes", StatusDegraded, err.Error())
		return
	}
	for _, name := range names {
		size, err := a.exportVolume(ctx, name, filepath.Join(dir, name+".tar"))
		if err != nil {
			summary.Record("volume:"+name, StatusDegraded, err.Error())
			a.logger.WithFields(map[string]interface{}{
				"volume": name,
				"error":  err.Error(),
			}).Error("Volume export failed, continuing with remaining volumes")
			continue
		}
		summary.Record("volume:"+name, StatusOK, HumanBytes(size))
	}
}

func (a *Assembler) exportVolume(ctx context.Context, name, dst string) (int64, error) {
	vctx, cancel := context.WithTimeout(ctx, a.cfg.Runtime.VolumeTimeout)
	defer cancel()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, NewResourceError("failed to create volume archive", err).WithContext("volume", name)
	}
	if err := a.volumes.Export(vctx, name, f); err != nil {
		f.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return 0, NewResourceError("failed to flush volume archive", err).WithContext("volume", name)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return 0, NewResourceError("exported volume archive disappeared", err).WithContext("volume", name)
	}
	return fi.Size(), nil
}

func (a *Assembler) captureConfig(tree string, summary *RunSummary) {
	paths := a.cfg.Runtime.ConfigPaths
	if len(paths) == 0 {
		summary.Record("config", StatusSkipped, "no config paths configured")
		return
	}
	stats, err := a.capturePaths(paths, filepath.Join(tree, "config"), true)
	if err != nil {
		summary.Record("config", StatusDegraded, err.Error())
		return
	}
	summary.Record("config", statusForStats(stats), stats.note())
}

func (a *Assembler) captureLogs(tree string, opts AssembleOptions, summary *RunSummary) {
	if !opts.IncludeLogs {
		summary.Record("logs", StatusSkipped, "not requested")
		return
	}
	paths := a.cfg.Runtime.LogPaths
	if len(paths) == 0 {
		summary.Record("logs", StatusSkipped, "no log paths configured")
		return
	}
	stats, err := a.capturePaths(paths, filepath.Join(tree, "logs"), true)
	if err != nil {
		summary.Record("logs", StatusDegraded, err.Error())
		return
	}
	summary.Record("logs", statusForStats(stats), stats.note())
}

// captureDatabase puts a database backup set into the tree: the newest
// committed set when it is younger than the freshness window, otherwise a
// fresh native backup produced inline.
func (a *Assembler) captureDatabase(ctx context.Context, tree string) (string, error) {
	newest, fresh, err := a.freshDatabaseSet()
	if err != nil {
		return "", err
	}
	if fresh {
		dst := filepath.Join(tree, "database", newest.Timestamp)
		if err := a.copyTree(newest.Dir, dst); err != nil {
			return "", err
		}
		return fmt.Sprintf("reused set %s (age %s)",
			newest.ID(), newest.Age(time.Now()).Round(time.Minute)), nil
	}

	dbSet, _, err := a.producer.Produce(ctx, ProduceOptions{Formats: []Format{FormatNative}})
	if err != nil {
		return "", err
	}
	dst := filepath.Join(tree, "database", dbSet.Timestamp)
	if err := a.copyTree(dbSet.Dir, dst); err != nil {
		return "", err
	}
	return fmt.Sprintf("produced fresh set %s", dbSet.ID()), nil
}

// freshDatabaseSet returns the newest database set and whether it is still
// inside the freshness window. newest is nil when no set exists at all.
func (a *Assembler) freshDatabaseSet() (*BackupSet, bool, error) {
	sets, err := a.store.ListSets(CategoryDatabase)
	if err != nil {
		return nil, false, err
	}
	if len(sets) == 0 {
		return nil, false, nil
	}
	newest := sets[len(sets)-1]
	return newest, newest.Age(time.Now()) <= a.cfg.Backup.FreshnessWindow, nil
}

// captureStats tallies one capture or report pass over a path list.
type captureStats struct {
	files    int
	bytes    int64
	excluded int
	missing  []string
}

func (cs *captureStats) note() string {
	note := fmt.Sprintf("%d file(s), %s", cs.files, HumanBytes(cs.bytes))
	if cs.excluded > 0 {
		note += ", secret file excluded"
	}
	if len(cs.missing) > 0 {
		note += ", missing: " + strings.Join(cs.missing, ", ")
	}
	return note
}

func statusForStats(cs *captureStats) RunStatus {
	if len(cs.missing) > 0 {
		return StatusDegraded
	}
	return StatusOK
}

// capturePaths walks the allow-list entries and, when write is set, copies
// them under dstRoot. The live secret file is skipped by resolved path on
// every route in, including through symlinks and directory entries.
func (a *Assembler) capturePaths(paths []string, dstRoot string, write bool) (*captureStats, error) {
	exclude := resolvePath(a.cfg.Runtime.SecretFile)
	stats := &captureStats{}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			stats.missing = append(stats.missing, p)
			continue
		}
		base := filepath.Base(filepath.Clean(p))
		if info.IsDir() {
			err = a.captureDir(p, filepath.Join(dstRoot, base), exclude, write, stats)
		} else {
			err = a.captureFile(p, filepath.Join(dstRoot, base), exclude, write, stats)
		}
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (a *Assembler) captureDir(src, dst, exclude string, write bool, stats *captureStats) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return NewResourceError("failed to walk config path", err).WithContext("path", path)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return NewResourceError("failed to resolve config path", err).WithContext("path", path)
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if write {
				if err := os.MkdirAll(target, 0o700); err != nil {
					return NewResourceError("failed to create staging directory", err).WithContext("path", target)
				}
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		return a.captureFile(path, target, exclude, write, stats)
	})
}

func (a *Assembler) captureFile(src, dst, exclude string, write bool, stats *captureStats) error {
	if exclude != "" && resolvePath(src) == exclude {
		stats.excluded++
		a.logger.WithFields(map[string]interface{}{"path": src}).Info("Live secret file excluded from archive")
		return nil
	}
	if !write {
		info, err := os.Stat(src)
		if err != nil {
			return nil
		}
		stats.files++
		stats.bytes += info.Size()
		return nil
	}
	n, err := copyFile(src, dst)
	if err != nil {
		return err
	}
	stats.files++
	stats.bytes += n
	return nil
}

// copyTree copies a directory of regular files, used to carry a committed
// database set into the snapshot tree.
func (a *Assembler) copyTree(src, dst string) error {
	return a.captureDir(src, dst, "", true, &captureStats{})
}

// resolvePath returns the symlink-resolved absolute form of path, falling
// back to the plain absolute form when resolution fails.
func resolvePath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, NewResourceError("failed to create staging directory", err).WithContext("path", dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, NewResourceError("failed to open file for capture", err).WithContext("path", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, NewResourceError("failed to create staged copy", err).WithContext("path", dst)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, NewResourceError("failed to copy file into staging", err).WithContext("path", dst)
	}
	return n, nil
}
