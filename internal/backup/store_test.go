package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "backups"), nil)
	require.NoError(t, err)
	return st
}

// commitTestSet stages a set with one dummy artifact per format and
// commits it.
func commitTestSet(t *testing.T, st *Store, c Category, ts string, formats ...Format) *BackupSet {
	t.Helper()
	staging, err := st.NewStaging("run-" + ts)
	require.NoError(t, err)

	set := &BackupSet{
		Category:  c,
		Timestamp: ts,
		CreatedAt: time.Now().UTC(),
		Staging:   staging,
	}
	for _, f := range formats {
		name := ArtifactName(c, f, ts, CompressionTypeGzip)
		path := filepath.Join(staging, name)
		require.NoError(t, os.WriteFile(path, []byte("encrypted bytes"), 0o600))
		set.Artifacts = append(set.Artifacts, &BackupArtifact{
			Name:          name,
			Path:          path,
			Format:        f,
			Compression:   CompressionTypeGzip,
			Size:          100,
			EncryptedSize: 15,
			CreatedAt:     set.CreatedAt,
		})
	}
	require.NoError(t, st.WriteManifest(staging, set))
	require.NoError(t, st.Commit(set))
	return set
}

func TestNewStoreCreatesTree(t *testing.T) {
	st := newTestStore(t)

	for _, dir := range []string{
		st.CategoryDir(CategoryDatabase),
		st.CategoryDir(CategoryFull),
		filepath.Join(st.Root(), ".staging"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
}

func TestStoreCommitAndLoad(t *testing.T) {
	st := newTestStore(t)
	ts := FormatTimestamp(time.Now())

	set := commitTestSet(t, st, CategoryDatabase, ts, FormatNative, FormatDump)

	assert.Empty(t, set.Staging)
	assert.Equal(t, st.SetDir(CategoryDatabase, ts), set.Dir)

	loaded, err := st.LoadSet(CategoryDatabase, ts)
	require.NoError(t, err)
	assert.Equal(t, set.ID(), loaded.ID())
	require.Len(t, loaded.Artifacts, 2)
	for _, a := range loaded.Artifacts {
		assert.Equal(t, filepath.Join(set.Dir, a.Name), a.Path)
		_, err := os.Stat(a.Path)
		assert.NoError(t, err)
	}
}

func TestStoreCommitCollision(t *testing.T) {
	st := newTestStore(t)
	ts := "20240101-020000"

	commitTestSet(t, st, CategoryDatabase, ts, FormatNative)

	staging, err := st.NewStaging("run-second")
	require.NoError(t, err)
	set := &BackupSet{Category: CategoryDatabase, Timestamp: ts, Staging: staging}
	require.NoError(t, st.WriteManifest(staging, set))

	err = st.Commit(set)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestStoreLoadSetTamperedManifest(t *testing.T) {
	st := newTestStore(t)
	ts := "20240101-020000"
	set := commitTestSet(t, st, CategoryDatabase, ts, FormatNative)

	manifest := filepath.Join(set.Dir, "manifest.json")
	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	require.Contains(t, string(data), `"size": 100`)
	tampered := strings.Replace(string(data), `"size": 100`, `"size": 999`, 1)
	require.NoError(t, os.WriteFile(manifest, []byte(tampered), 0o600))

	_, err = st.LoadSet(CategoryDatabase, ts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestStoreListSets(t *testing.T) {
	st := newTestStore(t)

	commitTestSet(t, st, CategoryDatabase, "20240103-020000", FormatNative)
	commitTestSet(t, st, CategoryDatabase, "20240101-020000", FormatNative)
	commitTestSet(t, st, CategoryDatabase, "20240102-020000", FormatNative)
	commitTestSet(t, st, CategoryFull, "20240104-030000", FormatArchive)

	// A directory that is not a set, and a set with a broken manifest,
	// must both be skipped without failing the listing.
	require.NoError(t, os.MkdirAll(filepath.Join(st.CategoryDir(CategoryDatabase), "lost+found"), 0o700))
	broken := filepath.Join(st.CategoryDir(CategoryDatabase), "20240105-020000")
	require.NoError(t, os.MkdirAll(broken, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "manifest.json"), []byte("{not json"), 0o600))

	sets, err := st.ListSets(CategoryDatabase)
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, "20240101-020000", sets[0].Timestamp)
	assert.Equal(t, "20240102-020000", sets[1].Timestamp)
	assert.Equal(t, "20240103-020000", sets[2].Timestamp)

	full, err := st.ListSets(CategoryFull)
	require.NoError(t, err)
	assert.Len(t, full, 1)
}

func TestStoreLatestSet(t *testing.T) {
	st := newTestStore(t)

	_, err := st.LatestSet(CategoryDatabase)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database backup sets")

	commitTestSet(t, st, CategoryDatabase, "20240101-020000", FormatNative)
	commitTestSet(t, st, CategoryDatabase, "20240102-020000", FormatNative)

	latest, err := st.LatestSet(CategoryDatabase)
	require.NoError(t, err)
	assert.Equal(t, "20240102-020000", latest.Timestamp)
}

func TestStoreResolveArtifact(t *testing.T) {
	st := newTestStore(t)
	ts := "20240101-020000"
	set := commitTestSet(t, st, CategoryDatabase, ts, FormatNative, FormatDump)

	want := set.Artifact(FormatDump)
	require.NotNil(t, want)

	gotSet, gotArtifact, err := st.ResolveArtifact(want.Path)
	require.NoError(t, err)
	assert.Equal(t, set.ID(), gotSet.ID())
	assert.Equal(t, want.Name, gotArtifact.Name)

	t.Run("missing file", func(t *testing.T) {
		_, _, err := st.ResolveArtifact(filepath.Join(set.Dir, ArtifactName(CategoryDatabase, FormatJSON, ts, CompressionTypeGzip)))
		assert.Error(t, err)
	})

	t.Run("not an artifact name", func(t *testing.T) {
		stray := filepath.Join(set.Dir, "notes.txt")
		require.NoError(t, os.WriteFile(stray, []byte("x"), 0o600))
		_, _, err := st.ResolveArtifact(stray)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a backup artifact")
	})

	t.Run("artifact missing from manifest", func(t *testing.T) {
		stray := filepath.Join(set.Dir, ArtifactName(CategoryDatabase, FormatCSV, ts, CompressionTypeGzip))
		require.NoError(t, os.WriteFile(stray, []byte("x"), 0o600))
		_, _, err := st.ResolveArtifact(stray)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not listed")
	})
}

func TestStoreDeleteSet(t *testing.T) {
	st := newTestStore(t)
	set := commitTestSet(t, st, CategoryDatabase, "20240101-020000", FormatNative)

	require.NoError(t, st.DeleteSet(set))
	_, err := os.Stat(set.Dir)
	assert.True(t, os.IsNotExist(err))

	t.Run("outside root refused", func(t *testing.T) {
		outside := &BackupSet{Category: CategoryDatabase, Timestamp: "20240101-020000", Dir: t.TempDir()}
		err := st.DeleteSet(outside)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside the backup root")
	})
}

func TestStoreSweepStaging(t *testing.T) {
	st := newTestStore(t)

	old, err := st.NewStaging("run-old")
	require.NoError(t, err)
	fresh, err := st.NewStaging("run-fresh")
	require.NoError(t, err)

	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	removed, err := st.SweepStaging(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestStoreUpdateManifest(t *testing.T) {
	st := newTestStore(t)
	set := commitTestSet(t, st, CategoryDatabase, "20240101-020000", FormatNative)

	set.Artifacts[0].Verified = true
	set.Artifacts[0].VerifiedAt = time.Now().UTC()
	set.Artifacts[0].VerificationNote = "passed"
	require.NoError(t, st.UpdateManifest(set))

	loaded, err := st.LoadSet(CategoryDatabase, set.Timestamp)
	require.NoError(t, err)
	require.Len(t, loaded.Artifacts, 1)
	assert.True(t, loaded.Artifacts[0].Verified)
	assert.True(t, loaded.Verified())
}

func TestStoreHealthCheckAndFreeSpace(t *testing.T) {
	st := newTestStore(t)
	assert.NoError(t, st.HealthCheck())

	free, err := st.FreeSpace()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
