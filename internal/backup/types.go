package backup

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category identifies the retention bucket a backup set belongs to.
type Category string

const (
	// CategoryDatabase holds sets produced by the database backup producer
	CategoryDatabase Category = "database"
	// CategoryFull holds sets produced by the full snapshot assembler
	CategoryFull Category = "full"
)

// Categories lists all known backup categories.
var Categories = []Category{CategoryDatabase, CategoryFull}

// IsValid reports whether the category is one of the known buckets.
func (c Category) IsValid() bool {
	return c == CategoryDatabase || c == CategoryFull
}

// ParseCategory converts a user-supplied string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("unknown backup category: %q", s)
	}
	return c, nil
}

// Format identifies the logical representation stored inside an artifact.
type Format string

const (
	// FormatNative is a binary snapshot of the database file
	FormatNative Format = "native"
	// FormatDump is a portable SQL text dump
	FormatDump Format = "dump"
	// FormatJSON is a structured per-table export
	FormatJSON Format = "json"
	// FormatCSV is a tabular per-table export bundled into a single tar
	FormatCSV Format = "csv"
	// FormatVolume is a staged runtime volume archive inside a full backup
	FormatVolume Format = "volume"
	// FormatConfig is a staged configuration tree inside a full backup
	FormatConfig Format = "config"
	// FormatArchive is the single archive covering a full staging tree
	FormatArchive Format = "archive"
)

// DatabaseFormats are the formats the database backup producer can emit,
// in production order. FormatNative is the default and decides run success.
var DatabaseFormats = []Format{FormatNative, FormatDump, FormatJSON, FormatCSV}

// IsValid reports whether the format is known.
func (f Format) IsValid() bool {
	switch f {
	case FormatNative, FormatDump, FormatJSON, FormatCSV, FormatVolume, FormatConfig, FormatArchive:
		return true
	}
	return false
}

// Extension returns the plaintext file extension for the format, before the
// compression and encryption wrappers are applied.
func (f Format) Extension() string {
	switch f {
	case FormatNative:
		return "sqlite3"
	case FormatDump:
		return "sql"
	case FormatJSON:
		return "json"
	case FormatCSV, FormatVolume, FormatConfig, FormatArchive:
		return "tar"
	default:
		return "bin"
	}
}

// ParseFormats expands a --format value into the formats to produce.
// Accepts a single producible format name or "all".
func ParseFormats(s string) ([]Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		formats := make([]Format, len(DatabaseFormats))
		copy(formats, DatabaseFormats)
		return formats, nil
	}
	f := Format(s)
	for _, known := range DatabaseFormats {
		if f == known {
			return []Format{f}, nil
		}
	}
	return nil, fmt.Errorf("unknown backup format: %q (expected native, dump, json, csv or all)", s)
}

// CompressionType identifies a compression algorithm.
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
	CompressionTypeZstd CompressionType = "zstd"
)

// Extension returns the file name extension artifacts carry for this
// algorithm, empty for none.
func (c CompressionType) Extension() string {
	switch c {
	case CompressionTypeGzip:
		return "gz"
	case CompressionTypeLZ4:
		return "lz4"
	case CompressionTypeZstd:
		return "zst"
	default:
		return ""
	}
}

// ParseCompressionType converts a configuration string into a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	c := CompressionType(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression algorithm: %q", s)
}

// compressionByExtension maps artifact name extensions back to algorithms.
var compressionByExtension = map[string]CompressionType{
	"gz":  CompressionTypeGzip,
	"lz4": CompressionTypeLZ4,
	"zst": CompressionTypeZstd,
}

// EncryptionExtension is the suffix carried by every encrypted artifact.
const EncryptionExtension = "gpg"

// TimestampLayout is the second-resolution layout used as the identity of a
// backup set and embedded in every artifact name.
const TimestampLayout = "20060102-150405"

// FormatTimestamp renders t in the set-identity layout (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a set-identity timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// ArtifactName composes the canonical artifact file name:
// <category>-<format>-<timestamp>.<ext>.<comp-ext>.gpg
func ArtifactName(category Category, format Format, timestamp string, compression CompressionType) string {
	name := fmt.Sprintf("%s-%s-%s.%s", category, format, timestamp, format.Extension())
	if ext := compression.Extension(); ext != "" {
		name += "." + ext
	}
	return name + "." + EncryptionExtension
}

var artifactNamePattern = regexp.MustCompile(
	`^(database|full)-(native|dump|json|csv|volume|config|archive)-(\d{8}-\d{6})\.([a-z0-9]+)(?:\.(gz|lz4|zst))?\.gpg$`)

// ArtifactInfo is the result of parsing a canonical artifact name.
type ArtifactInfo struct {
	Category    Category
	Format      Format
	Timestamp   string
	Extension   string
	Compression CompressionType
}

// ParseArtifactName decomposes a canonical artifact file name. It rejects
// anything that does not match the naming contract, including partially
// written or renamed files.
func ParseArtifactName(name string) (*ArtifactInfo, error) {
	m := artifactNamePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("not a recognized artifact name: %q", name)
	}
	info := &ArtifactInfo{
		Category:    Category(m[1]),
		Format:      Format(m[2]),
		Timestamp:   m[3],
		Extension:   m[4],
		Compression: CompressionTypeNone,
	}
	if m[5] != "" {
		info.Compression = compressionByExtension[m[5]]
	}
	if _, err := ParseTimestamp(info.Timestamp); err != nil {
		return nil, fmt.Errorf("artifact name %q carries an invalid timestamp: %w", name, err)
	}
	return info, nil
}

// BackupArtifact is one encrypted file inside a backup set.
type BackupArtifact struct {
	Name             string          `json:"name"`
	Path             string          `json:"-"`
	Format           Format          `json:"format"`
	Compression      CompressionType `json:"compression"`
	Size             int64           `json:"size"`
	CompressedSize   int64           `json:"compressed_size"`
	EncryptedSize    int64           `json:"encrypted_size"`
	CreatedAt        time.Time       `json:"created_at"`
	Verified         bool            `json:"verified"`
	VerifiedAt       time.Time       `json:"verified_at,omitempty"`
	VerificationNote string          `json:"verification_note,omitempty"`
}

// BackupSet is one timestamped unit of backup work. The timestamp doubles as
// the on-disk directory name and the set identity.
type BackupSet struct {
	Category  Category          `json:"category"`
	Timestamp string            `json:"timestamp"`
	Label     string            `json:"label,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Artifacts []*BackupArtifact `json:"artifacts"`

	// Dir is the final location of the set; Staging is the transient write
	// scope, torn down when the producing run finishes either way.
	Dir     string `json:"-"`
	Staging string `json:"-"`
}

// ID returns the set identity used in logs and offload paths.
func (s *BackupSet) ID() string {
	return fmt.Sprintf("%s-%s", s.Category, s.Timestamp)
}

// Age returns how old the set is relative to now.
func (s *BackupSet) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Artifact returns the first artifact of the given format, or nil.
func (s *BackupSet) Artifact(format Format) *BackupArtifact {
	for _, a := range s.Artifacts {
		if a.Format == format {
			return a
		}
	}
	return nil
}

// Verified reports whether every artifact in the set passed verification.
func (s *BackupSet) Verified() bool {
	if len(s.Artifacts) == 0 {
		return false
	}
	for _, a := range s.Artifacts {
		if !a.Verified {
			return false
		}
	}
	return true
}

// TotalSize returns the summed encrypted size of all artifacts.
func (s *BackupSet) TotalSize() int64 {
	var total int64
	for _, a := range s.Artifacts {
		total += a.EncryptedSize
	}
	return total
}

// VerificationLayer names one layer of the integrity verifier.
type VerificationLayer string

const (
	LayerExists     VerificationLayer = "exists"
	LayerDecrypt    VerificationLayer = "decrypt"
	LayerDecompress VerificationLayer = "decompress"
	LayerStructure  VerificationLayer = "structure"
	LayerCrossCheck VerificationLayer = "cross_check"
)

// LayerResult records the outcome of a single verification layer.
type LayerResult struct {
	Layer  VerificationLayer `json:"layer"`
	Passed bool              `json:"passed"`
	Note   string            `json:"note,omitempty"`
}

// VerificationResult is the transient outcome of verifying one artifact.
// It is never persisted as such; the per-artifact verified flag written to
// the set manifest is derived from it.
type VerificationResult struct {
	Artifact    string            `json:"artifact"`
	Passed      bool              `json:"passed"`
	FailedLayer VerificationLayer `json:"failed_layer,omitempty"`
	Layers      []LayerResult     `json:"layers"`
	Warnings    []string          `json:"warnings,omitempty"`
	CheckedAt   time.Time         `json:"checked_at"`
	Duration    time.Duration     `json:"duration"`
}

// record appends a layer outcome and keeps the aggregate flags consistent.
func (r *VerificationResult) record(layer VerificationLayer, passed bool, note string) {
	r.Layers = append(r.Layers, LayerResult{Layer: layer, Passed: passed, Note: note})
	if !passed && r.Passed {
		r.Passed = false
		r.FailedLayer = layer
	}
}

// Note returns a short digest of the result, suitable for the manifest's
// verification_note field.
func (r *VerificationResult) Note() string {
	if r.Passed {
		if len(r.Warnings) > 0 {
			return fmt.Sprintf("passed with %d warning(s)", len(r.Warnings))
		}
		return "passed"
	}
	return fmt.Sprintf("failed at %s layer", r.FailedLayer)
}

// RunStatus classifies the outcome of one component within a run.
type RunStatus string

const (
	StatusOK       RunStatus = "ok"
	StatusDegraded RunStatus = "degraded"
	StatusFailed   RunStatus = "failed"
	StatusSkipped  RunStatus = "skipped"
)

// Exit codes reported to the scheduler. Degraded runs stay distinguishable
// from both full success and fatal failure.
const (
	ExitSuccess  = 0
	ExitFatal    = 1
	ExitDegraded = 2
)

// ComponentResult is one line of the end-of-run summary.
type ComponentResult struct {
	Name   string
	Status RunStatus
	Note   string
}

// RunSummary aggregates per-component outcomes of one backup or restore run
// and maps them to the process exit code.
type RunSummary struct {
	Operation string
	StartedAt time.Time
	results   []ComponentResult
}

// NewRunSummary starts a summary for the named operation.
func NewRunSummary(operation string) *RunSummary {
	return &RunSummary{Operation: operation, StartedAt: time.Now()}
}

// Record appends a component outcome.
func (rs *RunSummary) Record(name string, status RunStatus, note string) {
	rs.results = append(rs.results, ComponentResult{Name: name, Status: status, Note: note})
}

// Results returns the recorded outcomes in order.
func (rs *RunSummary) Results() []ComponentResult {
	return rs.results
}

// Overall folds the component outcomes into one status: any failure wins,
// then any degradation, then ok.
func (rs *RunSummary) Overall() RunStatus {
	overall := StatusOK
	for _, r := range rs.results {
		switch r.Status {
		case StatusFailed:
			return StatusFailed
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// ExitCode maps the overall status to the exit code contract.
func (rs *RunSummary) ExitCode() int {
	switch rs.Overall() {
	case StatusFailed:
		return ExitFatal
	case StatusDegraded:
		return ExitDegraded
	default:
		return ExitSuccess
	}
}

// Duration returns how long the run has been going.
func (rs *RunSummary) Duration() time.Duration {
	return time.Since(rs.StartedAt)
}

// GenerateRunID returns a unique identifier for one run, used for staging
// directory names and log correlation.
func GenerateRunID(prefix string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, FormatTimestamp(time.Now()), uuid.New().String()[:8])
}

// HumanBytes renders a byte count in binary units for summaries and logs.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
