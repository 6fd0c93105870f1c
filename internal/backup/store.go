package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"vwbackup/internal/logging"
)

// ManifestVersion is bumped when the manifest layout changes shape.
const ManifestVersion = 1

const (
	manifestFileName = "manifest.json"
	stagingDirName   = ".staging"
	lockFileName     = ".vwbackup.lock"
)

// Manifest is the persisted description of one backup set, written next to
// the artifacts it describes. The checksum covers the whole document and
// catches truncated or hand-edited manifests.
type Manifest struct {
	Version  int    `json:"version"`
	Checksum string `json:"checksum,omitempty"`
	*BackupSet
}

// CalculateChecksum computes the manifest checksum over the document with
// the checksum field cleared.
func (m *Manifest) CalculateChecksum() (string, error) {
	clone := *m
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the checksum and compares it to the stored one.
func (m *Manifest) VerifyChecksum() bool {
	if m.Checksum == "" {
		return false
	}
	sum, err := m.CalculateChecksum()
	if err != nil {
		return false
	}
	return sum == m.Checksum
}

// Store manages the on-disk backup tree:
//
//	<root>/database/<timestamp>/  committed database sets
//	<root>/full/<timestamp>/      committed full sets
//	<root>/.staging/<run-id>/     in-progress runs, swept on startup
//	<root>/.vwbackup.lock         cross-process run lock
//
// Sets become visible in their category directory only through Commit,
// which is a single rename, so observers never see a half-written set.
type Store struct {
	root   string
	logger *logging.Logger
}

// NewStore prepares the backup tree under root.
func NewStore(root string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	st := &Store{root: root, logger: logger}
	for _, dir := range []string{root, st.CategoryDir(CategoryDatabase), st.CategoryDir(CategoryFull), st.stagingRoot()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, NewResourceError("failed to create backup directory", err).WithContext("dir", dir)
		}
	}
	return st, nil
}

// Root returns the backup tree root.
func (st *Store) Root() string { return st.root }

// LockPath returns the path of the cross-process lock file.
func (st *Store) LockPath() string { return filepath.Join(st.root, lockFileName) }

// CategoryDir returns the directory holding all sets of a category.
func (st *Store) CategoryDir(c Category) string {
	return filepath.Join(st.root, string(c))
}

// SetDir returns the final directory of a set.
func (st *Store) SetDir(c Category, timestamp string) string {
	return filepath.Join(st.CategoryDir(c), timestamp)
}

func (st *Store) stagingRoot() string {
	return filepath.Join(st.root, stagingDirName)
}

// NewStaging creates a private staging directory for one run.
func (st *Store) NewStaging(runID string) (string, error) {
	dir := filepath.Join(st.stagingRoot(), runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", NewResourceError("failed to create staging directory", err).WithContext("dir", dir)
	}
	return dir, nil
}

// CleanupStaging removes a run's staging directory. Failures are logged,
// not returned: the backup itself already succeeded or failed on its own.
func (st *Store) CleanupStaging(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		st.logger.WithFields(map[string]interface{}{
			"dir":   dir,
			"error": err.Error(),
		}).Warning("Failed to remove staging directory")
	}
}

// SweepStaging removes staging directories older than maxAge. Runs that
// crashed or were killed leave their staging behind; the next run sweeps
// it so the tree cannot fill with orphans.
func (st *Store) SweepStaging(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(st.stagingRoot())
	if err != nil {
		return 0, NewResourceError("failed to read staging directory", err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		path := filepath.Join(st.stagingRoot(), entry.Name())
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			st.logger.WithFields(map[string]interface{}{
				"dir":   path,
				"error": err.Error(),
			}).Warning("Failed to sweep orphaned staging directory")
			continue
		}
		removed++
	}
	if removed > 0 {
		st.logger.WithFields(map[string]interface{}{"count": removed}).Info("Swept orphaned staging directories")
	}
	return removed, nil
}

// WriteManifest persists the set manifest into dir.
func (st *Store) WriteManifest(dir string, set *BackupSet) error {
	m := &Manifest{Version: ManifestVersion, BackupSet: set}
	sum, err := m.CalculateChecksum()
	if err != nil {
		return NewArtifactError("failed to checksum manifest", err)
	}
	m.Checksum = sum

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return NewArtifactError("failed to serialize manifest", err)
	}
	return writeFileAtomic(filepath.Join(dir, manifestFileName), data, 0o600)
}

// UpdateManifest rewrites the manifest of a committed set, used when
// verification flags change after the fact.
func (st *Store) UpdateManifest(set *BackupSet) error {
	if set.Dir == "" {
		return NewArtifactError("set has no committed directory", nil)
	}
	return st.WriteManifest(set.Dir, set)
}

// Commit moves a fully staged set into its category directory with a
// single rename. The staging directory must already contain every
// artifact and the manifest.
func (st *Store) Commit(set *BackupSet) error {
	if set.Staging == "" {
		return NewArtifactError("set has no staging directory", nil)
	}
	dst := st.SetDir(set.Category, set.Timestamp)
	if _, err := os.Stat(dst); err == nil {
		return NewArtifactError(fmt.Sprintf("backup set %s already exists", set.ID()), nil).
			WithContext("dir", dst)
	}
	if err := os.Rename(set.Staging, dst); err != nil {
		return NewResourceError("failed to commit backup set", err).
			WithContext("staging", set.Staging).WithContext("target", dst)
	}

	set.Dir = dst
	set.Staging = ""
	for _, a := range set.Artifacts {
		a.Path = filepath.Join(dst, a.Name)
	}

	st.logger.WithFields(map[string]interface{}{
		"set": set.ID(),
		"dir": dst,
	}).Debug("Backup set committed")
	return nil
}

// LoadSet reads a committed set back from its manifest.
func (st *Store) LoadSet(c Category, timestamp string) (*BackupSet, error) {
	dir := st.SetDir(c, timestamp)
	return st.loadSetFromDir(dir)
}

func (st *Store) loadSetFromDir(dir string) (*BackupSet, error) {
	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewArtifactError("failed to read set manifest", err).WithContext("manifest", path)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewArtifactError("failed to parse set manifest", err).WithContext("manifest", path)
	}
	if m.BackupSet == nil {
		return nil, NewArtifactError("set manifest is empty", nil).WithContext("manifest", path)
	}
	if !m.VerifyChecksum() {
		return nil, NewArtifactError("set manifest failed its checksum", nil).WithContext("manifest", path)
	}

	set := m.BackupSet
	set.Dir = dir
	for _, a := range set.Artifacts {
		a.Path = filepath.Join(dir, a.Name)
	}
	return set, nil
}

// ListSets returns all readable sets of a category in chronological order.
// Damaged or foreign directories are skipped with a warning; one broken
// set must never hide the healthy ones.
func (st *Store) ListSets(c Category) ([]*BackupSet, error) {
	entries, err := os.ReadDir(st.CategoryDir(c))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewResourceError("failed to read category directory", err).WithContext("category", string(c))
	}

	var sets []*BackupSet
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := ParseTimestamp(entry.Name()); err != nil {
			st.logger.WithFields(map[string]interface{}{
				"dir": entry.Name(),
			}).Warning("Skipping directory that is not a backup set")
			continue
		}
		set, err := st.LoadSet(c, entry.Name())
		if err != nil {
			st.logger.WithFields(map[string]interface{}{
				"dir":   entry.Name(),
				"error": err.Error(),
			}).Warning("Skipping unreadable backup set")
			continue
		}
		sets = append(sets, set)
	}

	// Directory order is already lexicographic and the timestamp layout
	// sorts chronologically, but ReadDir order is not guaranteed on all
	// platforms.
	sortSetsByTimestamp(sets)
	return sets, nil
}

// LatestSet returns the newest set of a category.
func (st *Store) LatestSet(c Category) (*BackupSet, error) {
	sets, err := st.ListSets(c)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, NewArtifactError(fmt.Sprintf("no %s backup sets found", c), nil)
	}
	return sets[len(sets)-1], nil
}

// ResolveArtifact maps an artifact path back to its set and manifest entry.
// The set directory is derived from the file location, so this works for
// any committed artifact regardless of category.
func (st *Store) ResolveArtifact(path string) (*BackupSet, *BackupArtifact, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, NewArtifactError("failed to resolve artifact path", err).WithContext("path", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, nil, NewArtifactError("artifact does not exist", err).WithContext("path", abs)
	}
	if _, err := ParseArtifactName(filepath.Base(abs)); err != nil {
		return nil, nil, NewArtifactError("not a backup artifact", err).WithContext("path", abs)
	}

	set, err := st.loadSetFromDir(filepath.Dir(abs))
	if err != nil {
		return nil, nil, err
	}
	for _, a := range set.Artifacts {
		if a.Name == filepath.Base(abs) {
			return set, a, nil
		}
	}
	return nil, nil, NewArtifactError("artifact is not listed in its set manifest", nil).WithContext("path", abs)
}

// DeleteSet removes a committed set directory. Refuses anything outside
// the store root.
func (st *Store) DeleteSet(set *BackupSet) error {
	if set.Dir == "" {
		return NewArtifactError("set has no directory to delete", nil)
	}
	rel, err := filepath.Rel(st.root, set.Dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return NewArtifactError("refusing to delete directory outside the backup root", nil).
			WithContext("dir", set.Dir)
	}
	if err := os.RemoveAll(set.Dir); err != nil {
		return NewResourceError("failed to delete backup set", err).WithContext("dir", set.Dir)
	}
	return nil
}

// HealthCheck verifies the backup root is writable.
func (st *Store) HealthCheck() error {
	probe := filepath.Join(st.root, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return NewResourceError("backup root is not writable", err).WithContext("root", st.root)
	}
	os.Remove(probe)
	return nil
}

// FreeSpace reports the bytes available to this process on the filesystem
// holding the backup root.
func (st *Store) FreeSpace() (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(st.root, &fs); err != nil {
		return 0, NewResourceError("failed to stat backup filesystem", err).WithContext("root", st.root)
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}

func sortSetsByTimestamp(sets []*BackupSet) {
	sort.Slice(sets, func(i, j int) bool {
		return sets[i].Timestamp < sets[j].Timestamp
	})
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return NewResourceError("failed to write file", err).WithContext("path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return NewResourceError("failed to finalize file", err).WithContext("path", path)
	}
	return nil
}
