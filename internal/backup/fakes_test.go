package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

// fakeSource is a scriptable DatabaseSource. Export methods write canned
// payloads so the real compress/encrypt pipeline has files to chew on.
type fakeSource struct {
	path      string
	counts    map[string]int64
	countsErr error

	snapshotErr error
	dumpErr     error
	jsonErr     error
	csvErr      error

	snapshotData []byte
	dumpData     []byte
	jsonData     []byte
	csvFiles     map[string][]byte

	snapshotCalls int
}

func (f *fakeSource) Path() string { return f.path }

func (f *fakeSource) Snapshot(ctx context.Context, dst string) error {
	f.snapshotCalls++
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	data := f.snapshotData
	if data == nil {
		data = []byte("sqlite snapshot stand-in payload")
	}
	return os.WriteFile(dst, data, 0o600)
}

func (f *fakeSource) Dump(ctx context.Context, dst string) error {
	if f.dumpErr != nil {
		return f.dumpErr
	}
	data := f.dumpData
	if data == nil {
		data = []byte("BEGIN TRANSACTION;\nCOMMIT;\n")
	}
	return os.WriteFile(dst, data, 0o600)
}

func (f *fakeSource) ExportJSON(ctx context.Context, dst string) error {
	if f.jsonErr != nil {
		return f.jsonErr
	}
	data := f.jsonData
	if data == nil {
		data = []byte(`{"generated_at":"2024-03-06T02:00:00Z","tables":{}}`)
	}
	return os.WriteFile(dst, data, 0o600)
}

func (f *fakeSource) ExportCSV(ctx context.Context, dir string) ([]string, error) {
	if f.csvErr != nil {
		return nil, f.csvErr
	}
	files := f.csvFiles
	if files == nil {
		files = map[string][]byte{"users.csv": []byte("uuid,email\nu1,one@example.com\n")}
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, files[name], 0o600); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (f *fakeSource) RowCounts(ctx context.Context) (map[string]int64, error) {
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	return f.counts, nil
}

// fakeChecker is a scriptable DatabaseChecker.
type fakeChecker struct {
	snapshotErr error
	dumpErr     error
	replayErr   error
	replayData  []byte
	counts      map[string]int64
	countsErr   error

	snapshotCalls int
	dumpCalls     int
	replayCalls   int
}

func (f *fakeChecker) CheckSnapshot(ctx context.Context, path string) error {
	f.snapshotCalls++
	return f.snapshotErr
}

func (f *fakeChecker) CheckDump(ctx context.Context, path string) error {
	f.dumpCalls++
	return f.dumpErr
}

func (f *fakeChecker) ReplayDump(ctx context.Context, dumpPath, dbPath string) error {
	f.replayCalls++
	if f.replayErr != nil {
		return f.replayErr
	}
	data := f.replayData
	if data == nil {
		data = []byte("replayed sqlite database stand-in")
	}
	return os.WriteFile(dbPath, data, 0o600)
}

func (f *fakeChecker) RowCounts(ctx context.Context, path string) (map[string]int64, error) {
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	return f.counts, nil
}

// fakeController is a scriptable ServiceController that tracks the running
// state across stop/start calls. stuckRunning simulates a container that
// acknowledges the stop but keeps reporting running.
type fakeController struct {
	running      bool
	stuckRunning bool
	stopErr      error
	startErr     error
	runningErr   error

	stopCalls  int
	startCalls int
}

func (f *fakeController) Stop(ctx context.Context, timeout time.Duration) error {
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeController) Start(ctx context.Context) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Running(ctx context.Context) (bool, error) {
	if f.runningErr != nil {
		return false, f.runningErr
	}
	return f.running || f.stuckRunning, nil
}

// fakeProbe reports unhealthy for healthyAfter calls, then healthy.
type fakeProbe struct {
	healthyAfter int
	err          error

	calls int
}

func (f *fakeProbe) Healthy(ctx context.Context) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.calls > f.healthyAfter, nil
}

// fakeVolumes serves canned tar payloads keyed by volume name and records
// what gets imported.
type fakeVolumes struct {
	volumes   map[string][]byte
	exportErr error
	importErr error

	imported map[string][]byte
}

func (f *fakeVolumes) Export(ctx context.Context, volume string, dst io.Writer) error {
	if f.exportErr != nil {
		return f.exportErr
	}
	data, ok := f.volumes[volume]
	if !ok {
		return fmt.Errorf("no such volume %q", volume)
	}
	_, err := dst.Write(data)
	return err
}

func (f *fakeVolumes) Import(ctx context.Context, volume string, src io.Reader) error {
	if f.importErr != nil {
		return f.importErr
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if f.imported == nil {
		f.imported = make(map[string][]byte)
	}
	f.imported[volume] = data
	return nil
}

// fakeOffloader records offloaded set IDs.
type fakeOffloader struct {
	enabled bool
	err     error

	sets []string
}

func (f *fakeOffloader) Enabled() bool { return f.enabled }

func (f *fakeOffloader) Offload(ctx context.Context, set *BackupSet) error {
	if f.err != nil {
		return f.err
	}
	f.sets = append(f.sets, set.ID())
	return nil
}

// makeTarBytes builds an in-memory tar holding the given files.
func makeTarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}
