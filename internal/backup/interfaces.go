package backup

import (
	"context"
	"io"
	"time"

	"vwbackup/internal/config"
)

// Compressor turns a file into its compressed sibling and back. Outputs are
// written next to the input; a failed operation removes its own output.
type Compressor interface {
	// Compress writes src compressed to src plus the algorithm extension
	// and returns the new path.
	Compress(src string) (string, *CompressionStats, error)
	// Decompress strips the algorithm extension and returns the new path.
	Decompress(src string) (string, error)
	Algorithm() CompressionType
	Extension() string
}

// Encryptor wraps a file in the encrypted wire format and back. The format
// stays decryptable by a standard OpenPGP tool given the shared passphrase.
type Encryptor interface {
	// Encrypt writes src encrypted to src plus the encryption extension.
	Encrypt(src string, secret config.Secret) (string, error)
	// Decrypt writes the plaintext into dstDir and returns its path. dstDir
	// is the caller's isolated temporary scope.
	Decrypt(src string, secret config.Secret, dstDir string) (string, error)
	Extension() string
}

// Archiver bundles a directory tree into a single file and back.
type Archiver interface {
	Archive(ctx context.Context, srcDir, dst string) error
	Extract(ctx context.Context, src, dstDir string) error
}

// DatabaseSource is a strictly read-only view of the live database used by
// the backup producer. Extraction must never block or mutate an active
// writer.
type DatabaseSource interface {
	Path() string
	// Snapshot writes a consistent binary copy of the database to dst.
	Snapshot(ctx context.Context, dst string) error
	// Dump writes a portable SQL text dump to dst.
	Dump(ctx context.Context, dst string) error
	// ExportJSON writes a structured per-table export to dst.
	ExportJSON(ctx context.Context, dst string) error
	// ExportCSV writes one CSV file per table into dir and returns the
	// file paths.
	ExportCSV(ctx context.Context, dir string) ([]string, error)
	// RowCounts returns per-table row counts for coarse cross-checking.
	RowCounts(ctx context.Context) (map[string]int64, error)
}

// DatabaseChecker validates recovered database payloads and rebuilds them
// from dumps. Checks are engine-level consistency checks, not byte
// comparisons.
type DatabaseChecker interface {
	// CheckSnapshot runs an integrity check against a database file.
	CheckSnapshot(ctx context.Context, path string) error
	// CheckDump replays a SQL dump into a throwaway database and checks it.
	CheckDump(ctx context.Context, path string) error
	// ReplayDump executes a SQL dump into a new database file at dbPath.
	ReplayDump(ctx context.Context, dumpPath, dbPath string) error
	// RowCounts returns per-table row counts of a database file.
	RowCounts(ctx context.Context, path string) (map[string]int64, error)
}

// ServiceController quiesces and resumes the service that owns the live
// data files.
type ServiceController interface {
	Stop(ctx context.Context, timeout time.Duration) error
	Start(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

// HealthProbe reports whether the consuming service is currently healthy.
// Supplied by the external monitoring collaborator.
type HealthProbe interface {
	Healthy(ctx context.Context) (bool, error)
}

// VolumeManager exports and imports named runtime volumes as tar streams
// through a disposable helper.
type VolumeManager interface {
	Export(ctx context.Context, volume string, dst io.Writer) error
	Import(ctx context.Context, volume string, src io.Reader) error
}

// Offloader mirrors a finished backup set to remote storage. Offload is a
// best-effort side channel: failures degrade a run, never fail it.
type Offloader interface {
	Enabled() bool
	Offload(ctx context.Context, set *BackupSet) error
}

// Throttler runs CPU-heavy work, optionally at reduced scheduling priority
// so a co-located live service is not starved.
type Throttler interface {
	Run(fn func() error) error
}
