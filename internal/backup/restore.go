package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vwbackup/internal/config"
	"vwbackup/internal/logging"
)

// RestoreState names a stage of the restore state machine. States are
// past tense: a transition happens only after the stage's work succeeded.
type RestoreState string

const (
	StateIdle            RestoreState = "idle"
	StateServiceQuiesced RestoreState = "service_quiesced"
	StateDecrypted       RestoreState = "decrypted"
	StateExtracted       RestoreState = "extracted"
	StateApplied         RestoreState = "applied"
	StateServiceResumed  RestoreState = "service_resumed"
	StateHealthVerified  RestoreState = "health_verified"
	StateFailed          RestoreState = "failed"
)

// restoreTransitions is the legal successor set for each state. The chain
// is strictly linear; there is no rollback edge, a failed restore stays
// failed and the operator retries with a different artifact.
var restoreTransitions = map[RestoreState][]RestoreState{
	StateIdle:            {StateServiceQuiesced},
	StateServiceQuiesced: {StateDecrypted},
	StateDecrypted:       {StateExtracted},
	StateExtracted:       {StateApplied},
	StateApplied:         {StateServiceResumed},
	StateServiceResumed:  {StateHealthVerified},
}

// RestoreScope selects which parts of a deployment a restore rewrites.
type RestoreScope string

const (
	// ScopeDatabase restores only the SQLite database file.
	ScopeDatabase RestoreScope = "database"
	// ScopeConfig restores only configuration files from a full archive.
	ScopeConfig RestoreScope = "config"
	// ScopeFull restores volumes, configuration and the database.
	ScopeFull RestoreScope = "full"
)

// RestoreRequest describes one restore invocation.
type RestoreRequest struct {
	// ArtifactPath points at the encrypted artifact to restore from.
	// Ignored when Latest is set.
	ArtifactPath string
	// Latest selects the newest artifact matching Scope instead of an
	// explicit path.
	Latest bool
	// Scope limits what gets rewritten. Empty means infer from the
	// artifact format: native and dump imply database, archive implies
	// full.
	Scope RestoreScope
	// DryRun runs the pipeline through extraction and verification
	// without stopping the service or touching any target file.
	DryRun bool
}

// Restorer drives the restore state machine: quiesce the service, decrypt
// and extract the artifact into scratch space, verify the payload, swap it
// into place, resume the service and wait for it to report healthy.
type Restorer struct {
	cfg         *config.Config
	store       *Store
	encryptor   Encryptor
	compressors *CompressionManager
	archiver    Archiver
	checker     DatabaseChecker
	controller  ServiceController
	probe       HealthProbe
	volumes     VolumeManager
	logger      *logging.Logger

	runID string
	state RestoreState
}

// NewRestorer wires a restorer around the shared store. controller, probe
// and volumes may be nil, which turns quiesce, health verification and
// volume import into recorded no-ops.
func NewRestorer(cfg *config.Config, store *Store, checker DatabaseChecker, controller ServiceController, probe HealthProbe, volumes VolumeManager, logger *logging.Logger) *Restorer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Restorer{
		cfg:         cfg,
		store:       store,
		encryptor:   NewPGPEncryptor(),
		compressors: NewCompressionManager(cfg.Compression.Level),
		archiver:    NewTarArchiver(),
		checker:     checker,
		controller:  controller,
		probe:       probe,
		volumes:     volumes,
		logger:      logger,
		state:       StateIdle,
	}
}

// State exposes the current machine state.
func (r *Restorer) State() RestoreState { return r.state }

// transition advances the state machine, rejecting edges the table does
// not allow.
func (r *Restorer) transition(to RestoreState) error {
	for _, next := range restoreTransitions[r.state] {
		if next == to {
			r.logger.LogStateTransition(r.runID, string(r.state), string(to))
			r.state = to
			return nil
		}
	}
	return NewRestoreError(fmt.Sprintf("illegal state transition %s -> %s", r.state, to), nil)
}

// Restore executes one restore run. The returned summary always carries
// per-stage results; a non-nil error means the run stopped before reaching
// a healthy service and the target may need operator attention.
func (r *Restorer) Restore(ctx context.Context, req RestoreRequest) (summary *RunSummary, err error) {
	summary = NewRunSummary("restore")
	r.runID = GenerateRunID("restore")
	r.state = StateIdle

	done := r.logger.LogOperationStart("restore", map[string]interface{}{
		"run_id":  r.runID,
		"scope":   string(req.Scope),
		"dry_run": req.DryRun,
	})
	defer func() { done(err) }()
	defer func() {
		if err != nil && r.state != StateFailed {
			r.logger.LogStateTransition(r.runID, string(r.state), string(StateFailed))
			r.state = StateFailed
		}
	}()

	set, artifact, scope, err := r.resolveTarget(req)
	if err != nil {
		summary.Record("resolve", StatusFailed, err.Error())
		return summary, err
	}
	summary.Record("resolve", StatusOK, fmt.Sprintf("%s from set %s (%s scope)", artifact.Name, set.ID(), scope))

	secret, err := r.cfg.ResolveSecret()
	if err != nil {
		err = NewConfigError("no usable decryption passphrase", err)
		summary.Record("preflight", StatusFailed, err.Error())
		return summary, err
	}

	// The database target path comes from configuration, not from disk:
	// the file may legitimately be absent when restoring onto a fresh
	// host, so only the URL itself is validated up front.
	var dbTarget string
	if scope == ScopeDatabase || scope == ScopeFull {
		dbTarget, err = config.ParseDatabaseURL(r.cfg.DatabaseURL)
		if err != nil {
			err = NewConfigError("cannot determine restore target", err)
			summary.Record("preflight", StatusFailed, err.Error())
			return summary, err
		}
	}

	if err = r.quiesce(ctx, req.DryRun, summary); err != nil {
		return summary, err
	}

	scratch, err := os.MkdirTemp("", "vwbackup-restore-")
	if err != nil {
		return summary, NewResourceError("failed to create restore scratch directory", err)
	}
	defer os.RemoveAll(scratch)

	decrypted, err := r.encryptor.Decrypt(artifact.Path, secret, scratch)
	if err != nil {
		summary.Record("decrypt", StatusFailed, err.Error())
		return summary, err
	}
	if terr := r.transition(StateDecrypted); terr != nil {
		return summary, terr
	}
	if info, statErr := os.Stat(decrypted); statErr == nil {
		summary.Record("decrypt", StatusOK, HumanBytes(info.Size()))
	} else {
		summary.Record("decrypt", StatusOK, "")
	}

	payload, tree, note, err := r.extract(ctx, artifact, decrypted, scratch)
	if err != nil {
		summary.Record("extract", StatusFailed, err.Error())
		return summary, err
	}
	if terr := r.transition(StateExtracted); terr != nil {
		return summary, terr
	}
	summary.Record("extract", StatusOK, note)

	if err = r.verifyPayload(ctx, artifact.Format, payload, tree, summary); err != nil {
		return summary, err
	}

	if req.DryRun {
		summary.Record("apply", StatusSkipped, "dry run")
		summary.Record("resume", StatusSkipped, "dry run")
		summary.Record("health", StatusSkipped, "dry run")
		r.logger.Info("Dry run complete: artifact decrypts, extracts and verifies")
		return summary, nil
	}

	applyNote, err := r.apply(ctx, scope, payload, tree, dbTarget, secret, scratch, set)
	if err != nil {
		summary.Record("apply", StatusFailed, err.Error())
		return summary, err
	}
	if terr := r.transition(StateApplied); terr != nil {
		return summary, terr
	}
	summary.Record("apply", StatusOK, applyNote)

	if err = r.resume(ctx, summary); err != nil {
		return summary, err
	}

	if err = r.awaitHealthy(ctx, summary); err != nil {
		return summary, err
	}

	r.logger.WithFields(map[string]interface{}{
		"run_id":   r.runID,
		"artifact": artifact.Name,
		"scope":    string(scope),
	}).Info("Restore complete")
	return summary, nil
}

// resolveTarget picks the artifact to restore from and settles the scope.
func (r *Restorer) resolveTarget(req RestoreRequest) (*BackupSet, *BackupArtifact, RestoreScope, error) {
	var (
		set      *BackupSet
		artifact *BackupArtifact
	)

	switch {
	case req.Latest:
		category := CategoryDatabase
		if req.Scope == ScopeFull || req.Scope == ScopeConfig {
			category = CategoryFull
		}
		latest, err := r.store.LatestSet(category)
		if err != nil {
			return nil, nil, "", err
		}
		set = latest
		if category == CategoryFull {
			artifact = set.Artifact(FormatArchive)
		} else if artifact = set.Artifact(FormatNative); artifact == nil {
			artifact = set.Artifact(FormatDump)
		}
		if artifact == nil {
			return nil, nil, "", NewRestoreError(fmt.Sprintf("set %s has no restorable artifact", set.ID()), nil)
		}
	case req.ArtifactPath != "":
		resolved, art, err := r.store.ResolveArtifact(req.ArtifactPath)
		if err != nil {
			return nil, nil, "", err
		}
		set, artifact = resolved, art
	default:
		return nil, nil, "", NewRestoreError("no artifact selected: pass an artifact path or use the latest flag", nil)
	}

	scope := req.Scope
	if scope == "" {
		inferred, err := scopeForFormat(artifact.Format)
		if err != nil {
			return nil, nil, "", err
		}
		scope = inferred
	}
	if err := checkScopeFormat(scope, artifact.Format); err != nil {
		return nil, nil, "", err
	}
	return set, artifact, scope, nil
}

// scopeForFormat infers the restore scope from the artifact format.
func scopeForFormat(format Format) (RestoreScope, error) {
	switch format {
	case FormatNative, FormatDump:
		return ScopeDatabase, nil
	case FormatArchive:
		return ScopeFull, nil
	case FormatJSON, FormatCSV:
		return "", NewRestoreError(fmt.Sprintf("%s artifacts are export-only and cannot be restored", format), nil)
	default:
		return "", NewRestoreError(fmt.Sprintf("format %s is not restorable", format), nil)
	}
}

// checkScopeFormat rejects scope/format pairs the pipeline cannot serve.
func checkScopeFormat(scope RestoreScope, format Format) error {
	if format == FormatJSON || format == FormatCSV {
		return NewRestoreError(fmt.Sprintf("%s artifacts are export-only and cannot be restored", format), nil)
	}
	switch scope {
	case ScopeDatabase:
		if format != FormatNative && format != FormatDump {
			return NewRestoreError(fmt.Sprintf("a database restore needs a native or dump artifact, got %s", format), nil)
		}
	case ScopeConfig, ScopeFull:
		if format != FormatArchive {
			return NewRestoreError(fmt.Sprintf("a %s restore needs a full archive artifact, got %s", scope, format), nil)
		}
	default:
		return NewRestoreError(fmt.Sprintf("unknown restore scope %q", scope), nil)
	}
	return nil
}

// quiesce stops the managed service and confirms it actually stopped.
// Writing into a live single-writer SQLite deployment corrupts data, so a
// stop that does not stick is fatal and the service is left as-is.
func (r *Restorer) quiesce(ctx context.Context, dryRun bool, summary *RunSummary) error {
	switch {
	case dryRun:
		summary.Record("quiesce", StatusSkipped, "dry run")
	case r.controller == nil:
		summary.Record("quiesce", StatusSkipped, "no service container configured")
	default:
		if err := r.controller.Stop(ctx, r.cfg.Runtime.QuiesceTimeout); err != nil {
			err = NewRestoreError("failed to stop service before restore", err)
			summary.Record("quiesce", StatusFailed, err.Error())
			return err
		}
		running, err := r.controller.Running(ctx)
		if err != nil {
			err = NewRestoreError("cannot confirm service stopped", err)
			summary.Record("quiesce", StatusFailed, err.Error())
			return err
		}
		if running {
			err = NewRestoreError("service still reports running after stop, refusing to write", nil)
			summary.Record("quiesce", StatusFailed, err.Error())
			return err
		}
		summary.Record("quiesce", StatusOK, "service stopped")
	}
	return r.transition(StateServiceQuiesced)
}

// extract turns the decrypted blob into a usable payload. For database
// artifacts it returns the staged SQLite file, for archives the extracted
// tree root. All writes land in scratch.
func (r *Restorer) extract(ctx context.Context, artifact *BackupArtifact, decrypted, scratch string) (payload, tree, note string, err error) {
	compressor, err := r.compressors.Get(artifact.Compression)
	if err != nil {
		return "", "", "", err
	}
	plain, err := compressor.Decompress(decrypted)
	if err != nil {
		return "", "", "", err
	}

	switch artifact.Format {
	case FormatNative:
		return plain, "", "native snapshot staged", nil
	case FormatDump:
		staged := filepath.Join(scratch, "restored.sqlite3")
		if err := r.checker.ReplayDump(ctx, plain, staged); err != nil {
			return "", "", "", err
		}
		return staged, "", "dump replayed into staged database", nil
	case FormatArchive:
		root := filepath.Join(scratch, "tree")
		actx, cancel := context.WithTimeout(ctx, r.cfg.Runtime.ArchiveTimeout)
		defer cancel()
		if err := r.archiver.Extract(actx, plain, root); err != nil {
			return "", "", "", err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return "", "", "", NewRestoreError("extracted archive is unreadable", err)
		}
		return "", root, fmt.Sprintf("archive extracted, %d top-level entr(ies)", len(entries)), nil
	default:
		return "", "", "", NewRestoreError(fmt.Sprintf("format %s is not restorable", artifact.Format), nil)
	}
}

// verifyPayload checks the staged payload before anything touches the
// target. Restores do not get the producer's tolerance for soft failures:
// a payload that fails verification is never applied.
func (r *Restorer) verifyPayload(ctx context.Context, format Format, payload, tree string, summary *RunSummary) error {
	switch format {
	case FormatNative, FormatDump:
		if err := r.checker.CheckSnapshot(ctx, payload); err != nil {
			err = NewRestoreError("staged database failed integrity check", err)
			summary.Record("verify", StatusFailed, err.Error())
			return err
		}
		summary.Record("verify", StatusOK, "staged database passes integrity check")
	case FormatArchive:
		entries, err := os.ReadDir(tree)
		if err != nil || len(entries) == 0 {
			err = NewRestoreError("extracted archive is empty", err)
			summary.Record("verify", StatusFailed, err.Error())
			return err
		}
		summary.Record("verify", StatusOK, "archive structure verified")
	}
	return nil
}

// apply swaps the verified payload into place for the requested scope.
func (r *Restorer) apply(ctx context.Context, scope RestoreScope, payload, tree, dbTarget string, secret config.Secret, scratch string, set *BackupSet) (string, error) {
	switch scope {
	case ScopeDatabase:
		if err := r.applyDatabaseFile(payload, dbTarget); err != nil {
			return "", err
		}
		return fmt.Sprintf("database replaced at %s", dbTarget), nil

	case ScopeConfig:
		applied, err := r.applyConfigFromTree(tree)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d config file(s) applied", applied), nil

	case ScopeFull:
		imported, err := r.applyVolumesFromTree(ctx, tree)
		if err != nil {
			return "", err
		}
		applied, err := r.applyConfigFromTree(tree)
		if err != nil {
			return "", err
		}
		dbNote, err := r.applyDatabaseFromTree(ctx, tree, dbTarget, secret, scratch, set)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d volume(s), %d config file(s), %s", imported, applied, dbNote), nil

	default:
		return "", NewRestoreError(fmt.Sprintf("unknown restore scope %q", scope), nil)
	}
}

// applyDatabaseFile swaps the staged database into the target path and
// drops stale WAL/SHM sidecars, which would otherwise shadow the restored
// data on the next open.
func (r *Restorer) applyDatabaseFile(staged, target string) error {
	if err := applyFileAtomic(staged, target); err != nil {
		return err
	}
	for _, sidecar := range []string{target + "-wal", target + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return NewRestoreError("failed to remove stale database sidecar", err).WithContext("path", sidecar)
		}
	}
	r.logger.WithFields(map[string]interface{}{"run_id": r.runID, "target": target}).Info("Database file restored")
	return nil
}

// applyConfigFromTree maps the archive's config/ capture back onto the
// configured allow-list paths. Entries the archive never captured are
// skipped, an older archive stays restorable after the allow-list grows.
func (r *Restorer) applyConfigFromTree(tree string) (int, error) {
	applied := 0
	for _, entry := range r.cfg.Runtime.ConfigPaths {
		src := filepath.Join(tree, "config", filepath.Base(filepath.Clean(entry)))
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return applied, NewRestoreError("cannot read captured config", err).WithContext("path", src)
		}
		if !info.IsDir() {
			if err := applyFileAtomic(src, entry); err != nil {
				return applied, err
			}
			applied++
			continue
		}
		err = filepath.WalkDir(src, func(path string, d os.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if d.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(src, path)
			if rerr != nil {
				return rerr
			}
			if aerr := applyFileAtomic(path, filepath.Join(entry, rel)); aerr != nil {
				return aerr
			}
			applied++
			return nil
		})
		if err != nil {
			return applied, NewRestoreError("failed to apply captured config", err).WithContext("path", entry)
		}
	}
	return applied, nil
}

// applyVolumesFromTree imports every captured volume tar. Volume import
// failures are fatal: a half-imported deployment is worse than a stopped
// one with an intact archive.
func (r *Restorer) applyVolumesFromTree(ctx context.Context, tree string) (int, error) {
	volumeDir := filepath.Join(tree, "volumes")
	entries, err := os.ReadDir(volumeDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, NewRestoreError("cannot read captured volumes", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	if len(names) > 0 && r.volumes == nil {
		return 0, NewRestoreError("archive carries volumes but no container runtime is available", nil)
	}

	imported := 0
	for _, name := range names {
		volume := strings.TrimSuffix(name, ".tar")
		if err := r.importVolume(ctx, volume, filepath.Join(volumeDir, name)); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (r *Restorer) importVolume(ctx context.Context, volume, tarPath string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return NewRestoreError("cannot open captured volume", err).WithContext("volume", volume)
	}
	defer f.Close()

	vctx, cancel := context.WithTimeout(ctx, r.cfg.Runtime.VolumeTimeout)
	defer cancel()
	if err := r.volumes.Import(vctx, volume, f); err != nil {
		return NewRestoreError(fmt.Sprintf("failed to import volume %s", volume), err)
	}
	r.logger.WithFields(map[string]interface{}{"run_id": r.runID, "volume": volume}).Info("Volume imported")
	return nil
}

// applyDatabaseFromTree restores the database set nested inside a full
// archive: pick the newest captured set, decrypt its native (or dump)
// artifact with the run's secret and swap the result into the target.
func (r *Restorer) applyDatabaseFromTree(ctx context.Context, tree, dbTarget string, secret config.Secret, scratch string, parent *BackupSet) (string, error) {
	dbRoot := filepath.Join(tree, "database")
	entries, err := os.ReadDir(dbRoot)
	if os.IsNotExist(err) {
		return "", NewRestoreError(fmt.Sprintf("archive %s carries no database set", parent.ID()), nil)
	}
	if err != nil {
		return "", NewRestoreError("cannot read captured database sets", err)
	}

	var stamps []string
	for _, entry := range entries {
		if entry.IsDir() {
			stamps = append(stamps, entry.Name())
		}
	}
	if len(stamps) == 0 {
		return "", NewRestoreError(fmt.Sprintf("archive %s carries no database set", parent.ID()), nil)
	}
	sort.Strings(stamps)
	setDir := filepath.Join(dbRoot, stamps[len(stamps)-1])

	nested, err := r.store.loadSetFromDir(setDir)
	if err != nil {
		return "", NewRestoreError("captured database set is unreadable", err)
	}
	artifact := nested.Artifact(FormatNative)
	if artifact == nil {
		artifact = nested.Artifact(FormatDump)
	}
	if artifact == nil {
		return "", NewRestoreError(fmt.Sprintf("captured set %s has no restorable artifact", nested.ID()), nil)
	}

	nestedScratch := filepath.Join(scratch, "nested")
	if err := os.MkdirAll(nestedScratch, 0o700); err != nil {
		return "", NewResourceError("failed to stage nested database", err)
	}
	decrypted, err := r.encryptor.Decrypt(artifact.Path, secret, nestedScratch)
	if err != nil {
		return "", err
	}
	compressor, err := r.compressors.Get(artifact.Compression)
	if err != nil {
		return "", err
	}
	payload, err := compressor.Decompress(decrypted)
	if err != nil {
		return "", err
	}
	if artifact.Format == FormatDump {
		staged := filepath.Join(nestedScratch, "restored.sqlite3")
		if err := r.checker.ReplayDump(ctx, payload, staged); err != nil {
			return "", err
		}
		payload = staged
	}
	if err := r.checker.CheckSnapshot(ctx, payload); err != nil {
		return "", NewRestoreError("captured database failed integrity check", err)
	}
	if err := r.applyDatabaseFile(payload, dbTarget); err != nil {
		return "", err
	}
	return fmt.Sprintf("database from set %s", nested.ID()), nil
}

// resume starts the managed service again after a successful apply.
func (r *Restorer) resume(ctx context.Context, summary *RunSummary) error {
	if r.controller == nil {
		summary.Record("resume", StatusSkipped, "no service container configured")
	} else {
		if err := r.controller.Start(ctx); err != nil {
			err = NewRestoreError("failed to start service after restore", err)
			summary.Record("resume", StatusFailed, err.Error())
			return err
		}
		summary.Record("resume", StatusOK, "service started")
	}
	return r.transition(StateServiceResumed)
}

// awaitHealthy polls the health probe until it passes or the configured
// attempts are exhausted. Exhaustion fails the run but leaves the applied
// data in place.
func (r *Restorer) awaitHealthy(ctx context.Context, summary *RunSummary) error {
	if r.probe == nil {
		summary.Record("health", StatusSkipped, "no health probe configured")
		return r.transition(StateHealthVerified)
	}

	attempts := r.cfg.Restore.HealthAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		healthy, err := r.probe.Healthy(ctx)
		if healthy {
			summary.Record("health", StatusOK, fmt.Sprintf("healthy after %d attempt(s)", attempt))
			return r.transition(StateHealthVerified)
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			err = NewRestoreError("health verification cancelled", ctx.Err())
			summary.Record("health", StatusFailed, err.Error())
			return err
		case <-time.After(r.cfg.Restore.HealthInterval):
		}
	}
	err := NewRestoreError(fmt.Sprintf("service failed health verification after %d attempt(s)", attempts), lastErr)
	summary.Record("health", StatusFailed, err.Error())
	return err
}

// applyFileAtomic copies src over dst via a staged sibling and a rename,
// so a crash mid-copy never leaves a truncated target. The staged copy is
// fsynced before the swap.
func applyFileAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return NewRestoreError("failed to create target directory", err).WithContext("target", dst)
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(src); err == nil {
		if m := info.Mode().Perm(); m != 0 {
			mode = m
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return NewRestoreError("failed to open staged payload", err).WithContext("path", src)
	}
	defer in.Close()

	staged := dst + ".restoring"
	out, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return NewRestoreError("failed to stage restored file", err).WithContext("path", staged)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staged)
		return NewRestoreError("failed to write restored file", err).WithContext("target", dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(staged)
		return NewRestoreError("failed to flush restored file", err).WithContext("target", dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(staged)
		return NewRestoreError("failed to finalize restored file", err).WithContext("target", dst)
	}
	if err := os.Rename(staged, dst); err != nil {
		os.Remove(staged)
		return NewRestoreError("failed to swap restored file into place", err).WithContext("target", dst)
	}
	return nil
}
