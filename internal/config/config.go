package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for vwbackup. It is assembled once at
// startup from flags, environment, and the optional config file, validated,
// and then treated as read-only by every component.
type Config struct {
	// DatabaseURL locates the service database. Accepted forms are a bare
	// filesystem path, file:<path>, or sqlite://<path>.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`

	Backup      BackupConfig      `mapstructure:"backup" yaml:"backup"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
	Retention   RetentionConfig   `mapstructure:"retention" yaml:"retention"`
	Restore     RestoreConfig     `mapstructure:"restore" yaml:"restore"`
	Runtime     RuntimeConfig     `mapstructure:"runtime" yaml:"runtime"`
	Throttle    ThrottleConfig    `mapstructure:"throttle" yaml:"throttle"`
	Offload     OffloadConfig     `mapstructure:"offload" yaml:"offload"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Display     DisplayConfig     `mapstructure:"display" yaml:"display"`
}

// BackupConfig controls where backup sets live and which database export
// formats a run produces.
type BackupConfig struct {
	// Root is the directory that holds the database/ and full/ category
	// subdirectories.
	Root string `mapstructure:"root" yaml:"root"`
	// Formats lists the database export formats to produce. "all" expands
	// to every supported format.
	Formats []string `mapstructure:"formats" yaml:"formats"`
	// FreshnessWindow is the maximum age a database backup set may have
	// before a full backup refuses to reuse it and takes a fresh one.
	FreshnessWindow time.Duration `mapstructure:"freshness_window" yaml:"freshness_window"`
	// Validate runs the layered verifier on each artifact right after it
	// is produced.
	Validate bool `mapstructure:"validate" yaml:"validate"`
}

// CompressionConfig selects the compression algorithm applied before
// encryption.
type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig tells vwbackup where to find the backup passphrase.
// The passphrase itself never appears in this struct.
type EncryptionConfig struct {
	// PassphraseEnv names the environment variable checked first.
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
	// PassphraseFile is read when the environment variable is unset.
	PassphraseFile string `mapstructure:"passphrase_file" yaml:"passphrase_file"`
}

// RetentionConfig sets how many backup sets to keep per category.
type RetentionConfig struct {
	DatabaseKeep int `mapstructure:"database_keep" yaml:"database_keep"`
	FullKeep     int `mapstructure:"full_keep" yaml:"full_keep"`
}

// RestoreConfig tunes the post-restore health verification loop.
type RestoreConfig struct {
	HealthAttempts int           `mapstructure:"health_attempts" yaml:"health_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

// RuntimeConfig describes the deployed service: the container to quiesce,
// the volumes and config files a full backup captures, and the timeouts
// that bound runtime operations.
type RuntimeConfig struct {
	// ServiceContainer is the name or ID of the service container. Empty
	// means no container management: quiesce and resume become no-ops.
	ServiceContainer string `mapstructure:"service_container" yaml:"service_container"`
	// Volumes lists the named Docker volumes captured by a full backup.
	Volumes []string `mapstructure:"volumes" yaml:"volumes"`
	// ConfigPaths lists host files and directories included in a full
	// backup. Entries under SecretFile are always skipped.
	ConfigPaths []string `mapstructure:"config_paths" yaml:"config_paths"`
	// SecretFile is the live secret store that must never enter an
	// archive, no matter what ConfigPaths says.
	SecretFile string `mapstructure:"secret_file" yaml:"secret_file"`
	// LogPaths lists log files included only when the run asks for them.
	LogPaths []string `mapstructure:"log_paths" yaml:"log_paths"`
	// HealthURL is polled after a restore to confirm the service came
	// back. Empty falls back to a container-state check.
	HealthURL string `mapstructure:"health_url" yaml:"health_url"`
	// HelperImage is the throwaway image used to stream volume contents.
	HelperImage string `mapstructure:"helper_image" yaml:"helper_image"`

	QuiesceTimeout time.Duration `mapstructure:"quiesce_timeout" yaml:"quiesce_timeout"`
	VolumeTimeout  time.Duration `mapstructure:"volume_timeout" yaml:"volume_timeout"`
	ArchiveTimeout time.Duration `mapstructure:"archive_timeout" yaml:"archive_timeout"`
}

// ThrottleConfig lowers the scheduling priority of compression and
// encryption work so backups stay out of the service's way.
type ThrottleConfig struct {
	Enabled  bool `mapstructure:"enabled" yaml:"enabled"`
	Niceness int  `mapstructure:"niceness" yaml:"niceness"`
}

// OffloadConfig hands finished backup sets to an external sync tool.
// An empty Remote disables offload.
type OffloadConfig struct {
	Remote  string        `mapstructure:"remote" yaml:"remote"`
	Tool    string        `mapstructure:"tool" yaml:"tool"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LoggingConfig controls log verbosity and output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"`
}

// DisplayConfig controls terminal output decoration.
type DisplayConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled" yaml:"color_enabled"`
	Theme        string `mapstructure:"theme" yaml:"theme"`
}

// New returns a Config populated with defaults.
func New() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero-valued fields with production defaults. Boolean
// fields keep whatever the caller set; their defaults come from the flag
// layer.
func (c *Config) SetDefaults() {
	if c.Backup.Root == "" {
		c.Backup.Root = "/var/lib/vwbackup"
	}
	if len(c.Backup.Formats) == 0 {
		c.Backup.Formats = []string{"native"}
	}
	if c.Backup.FreshnessWindow == 0 {
		c.Backup.FreshnessWindow = 24 * time.Hour
	}
	if c.Compression.Algorithm == "" {
		c.Compression.Algorithm = "gzip"
	}
	if c.Compression.Level == 0 {
		c.Compression.Level = 6
	}
	if c.Encryption.PassphraseEnv == "" {
		c.Encryption.PassphraseEnv = "BACKUP_PASSPHRASE"
	}
	if c.Retention.DatabaseKeep == 0 {
		c.Retention.DatabaseKeep = 30
	}
	if c.Retention.FullKeep == 0 {
		c.Retention.FullKeep = 8
	}
	if c.Restore.HealthAttempts == 0 {
		c.Restore.HealthAttempts = 10
	}
	if c.Restore.HealthInterval == 0 {
		c.Restore.HealthInterval = 5 * time.Second
	}
	if c.Runtime.HelperImage == "" {
		c.Runtime.HelperImage = "alpine:3.20"
	}
	if c.Runtime.QuiesceTimeout == 0 {
		c.Runtime.QuiesceTimeout = 30 * time.Second
	}
	if c.Runtime.VolumeTimeout == 0 {
		c.Runtime.VolumeTimeout = 5 * time.Minute
	}
	if c.Runtime.ArchiveTimeout == 0 {
		c.Runtime.ArchiveTimeout = 10 * time.Minute
	}
	if c.Throttle.Niceness == 0 {
		c.Throttle.Niceness = 19
	}
	if c.Offload.Tool == "" {
		c.Offload.Tool = "rclone"
	}
	if c.Offload.Timeout == 0 {
		c.Offload.Timeout = 15 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Display.Theme == "" {
		c.Display.Theme = "dark"
	}
}

var validFormats = map[string]bool{
	"native": true,
	"dump":   true,
	"json":   true,
	"csv":    true,
	"all":    true,
}

var validAlgorithms = map[string]bool{
	"none": true,
	"gzip": true,
	"lz4":  true,
	"zstd": true,
}

var validLogLevels = map[string]bool{
	"quiet":   true,
	"normal":  true,
	"verbose": true,
	"debug":   true,
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required")
	}
	if _, err := ParseDatabaseURL(c.DatabaseURL); err != nil {
		return err
	}
	if err := c.Backup.validate(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := c.Compression.Validate(); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := c.Restore.Validate(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	if err := c.Offload.Validate(); err != nil {
		return fmt.Errorf("offload: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// validate checks the backup section.
func (b *BackupConfig) validate() error {
	if strings.TrimSpace(b.Root) == "" {
		return fmt.Errorf("root directory is required")
	}
	if b.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness_window must be positive, got %s", b.FreshnessWindow)
	}
	if len(b.Formats) == 0 {
		return fmt.Errorf("at least one format is required")
	}
	for _, f := range b.Formats {
		if !validFormats[strings.ToLower(strings.TrimSpace(f))] {
			return fmt.Errorf("unsupported format %q (supported: native, dump, json, csv, all)", f)
		}
	}
	return nil
}

// Validate checks the compression section.
func (cc *CompressionConfig) Validate() error {
	algo := strings.ToLower(strings.TrimSpace(cc.Algorithm))
	if !validAlgorithms[algo] {
		return fmt.Errorf("unsupported algorithm %q (supported: none, gzip, lz4, zstd)", cc.Algorithm)
	}
	switch algo {
	case "gzip":
		if cc.Level < 1 || cc.Level > 9 {
			return fmt.Errorf("gzip level must be 1-9, got %d", cc.Level)
		}
	case "zstd":
		if cc.Level < 1 || cc.Level > 4 {
			return fmt.Errorf("zstd level must be 1-4, got %d", cc.Level)
		}
	case "lz4":
		if cc.Level < 0 || cc.Level > 9 {
			return fmt.Errorf("lz4 level must be 0-9, got %d", cc.Level)
		}
	}
	return nil
}

// Validate checks the retention section.
func (r *RetentionConfig) Validate() error {
	if r.DatabaseKeep < 1 {
		return fmt.Errorf("database_keep must be at least 1, got %d", r.DatabaseKeep)
	}
	if r.FullKeep < 1 {
		return fmt.Errorf("full_keep must be at least 1, got %d", r.FullKeep)
	}
	return nil
}

// Validate checks the restore section.
func (r *RestoreConfig) Validate() error {
	if r.HealthAttempts < 1 {
		return fmt.Errorf("health_attempts must be at least 1, got %d", r.HealthAttempts)
	}
	if r.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive, got %s", r.HealthInterval)
	}
	return nil
}

// Validate checks the runtime section.
func (r *RuntimeConfig) Validate() error {
	if len(r.Volumes) > 0 && strings.TrimSpace(r.HelperImage) == "" {
		return fmt.Errorf("helper_image is required when volumes are configured")
	}
	if r.QuiesceTimeout <= 0 {
		return fmt.Errorf("quiesce_timeout must be positive, got %s", r.QuiesceTimeout)
	}
	if r.VolumeTimeout <= 0 {
		return fmt.Errorf("volume_timeout must be positive, got %s", r.VolumeTimeout)
	}
	if r.ArchiveTimeout <= 0 {
		return fmt.Errorf("archive_timeout must be positive, got %s", r.ArchiveTimeout)
	}
	return nil
}

// Validate checks the throttle section.
func (t *ThrottleConfig) Validate() error {
	if t.Niceness < 0 || t.Niceness > 19 {
		return fmt.Errorf("niceness must be 0-19, got %d", t.Niceness)
	}
	return nil
}

// Validate checks the offload section.
func (o *OffloadConfig) Validate() error {
	if strings.TrimSpace(o.Remote) == "" {
		return nil
	}
	if strings.TrimSpace(o.Tool) == "" {
		return fmt.Errorf("tool is required when a remote is configured")
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", o.Timeout)
	}
	return nil
}

// Validate checks the logging section.
func (l *LoggingConfig) Validate() error {
	if !validLogLevels[strings.ToLower(strings.TrimSpace(l.Level))] {
		return fmt.Errorf("unsupported level %q (supported: quiet, normal, verbose, debug)", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported format %q (supported: text, json)", l.Format)
	}
	return nil
}
