package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"vwbackup/internal/backup"
	"vwbackup/internal/config"
	"vwbackup/internal/database"
	"vwbackup/internal/display"
	"vwbackup/internal/logging"
	"vwbackup/internal/runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var cfgFile string

// Global flag variables
var (
	databaseURL string
	backupRoot  string

	logLevel  string
	logFormat string
	logFile   string

	noColor   bool
	themeName string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vwbackup",
	Short: "Encrypted backup, verification and restore for a vaultwarden deployment",
	Long: `vwbackup takes periodic encrypted backups of a vaultwarden-style
deployment: the SQLite database in several export formats, and full archives
covering the database, named Docker volumes and configuration files. Every
artifact is compressed, encrypted with a symmetric OpenPGP passphrase and
verified layer by layer before a run counts as done.

Examples:
  # Nightly database backup with post-production verification
  vwbackup backup --validate

  # Weekly full archive, labelled for later identification
  vwbackup full-backup --name weekly

  # Inspect what is on disk
  vwbackup list --category database --limit 10

  # Restore the newest database backup after confirming interactively
  vwbackup restore --latest

  # Rehearse a restore without touching the live deployment
  vwbackup restore --dry-run /var/lib/vwbackup/full/20260825-020000/full-archive-20260825-020000.tar.gz.gpg`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a specific process exit code out of a RunE function.
// The os.Exit call happens in Execute, after the command has returned, so
// deferred cleanup such as releasing the run lock still runs.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// Execute runs the command tree and maps the outcome onto the exit code
// contract: 0 success, 1 fatal, 2 degraded. This is called by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(backup.ExitFatal)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vwbackup.yaml, then ./.vwbackup.yaml)")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "location of the live database (sqlite:///path, file:/path, or a bare path)")
	rootCmd.PersistentFlags().StringVar(&backupRoot, "root", "", "directory that holds the backup sets")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "normal", "log verbosity (quiet, normal, verbose, debug)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append logs to this file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().StringVar(&themeName, "theme", "dark", "color theme (dark, light, plain)")

	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("backup.root", rootCmd.PersistentFlags().Lookup("root"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("logging.log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("display.theme", rootCmd.PersistentFlags().Lookup("theme"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig reads in the config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search for ".vwbackup.yaml" in the home directory first, then
		// the working directory.
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".vwbackup")
	}

	viper.SetEnvPrefix("VWBACKUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// DATABASE_URL is how the service itself is configured, so the bare
	// form is honoured alongside the prefixed one.
	viper.BindEnv("database_url", "VWBACKUP_DATABASE_URL", "DATABASE_URL")

	setViperDefaults()

	if err := viper.ReadInConfig(); err == nil && strings.EqualFold(logLevel, "debug") {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setViperDefaults registers every configuration key with its production
// default. Registration is what lets AutomaticEnv overrides reach
// viper.Unmarshal for keys that have no flag bound.
func setViperDefaults() {
	viper.SetDefault("backup.root", "/var/lib/vwbackup")
	viper.SetDefault("backup.formats", []string{"native"})
	viper.SetDefault("backup.freshness_window", "24h")
	viper.SetDefault("backup.validate", false)

	viper.SetDefault("compression.algorithm", "gzip")
	viper.SetDefault("compression.level", 6)

	viper.SetDefault("encryption.passphrase_env", "BACKUP_PASSPHRASE")
	viper.SetDefault("encryption.passphrase_file", "")

	viper.SetDefault("retention.database_keep", 30)
	viper.SetDefault("retention.full_keep", 8)

	viper.SetDefault("restore.health_attempts", 10)
	viper.SetDefault("restore.health_interval", "5s")

	viper.SetDefault("runtime.service_container", "")
	viper.SetDefault("runtime.volumes", []string{})
	viper.SetDefault("runtime.config_paths", []string{})
	viper.SetDefault("runtime.secret_file", "")
	viper.SetDefault("runtime.log_paths", []string{})
	viper.SetDefault("runtime.health_url", "")
	viper.SetDefault("runtime.helper_image", "alpine:3.20")
	viper.SetDefault("runtime.quiesce_timeout", "30s")
	viper.SetDefault("runtime.volume_timeout", "5m")
	viper.SetDefault("runtime.archive_timeout", "10m")

	viper.SetDefault("throttle.enabled", true)
	viper.SetDefault("throttle.niceness", 19)

	viper.SetDefault("offload.remote", "")
	viper.SetDefault("offload.tool", "rclone")
	viper.SetDefault("offload.timeout", "15m")

	viper.SetDefault("logging.level", "normal")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.log_file", "")
	viper.SetDefault("logging.show_caller", false)

	viper.SetDefault("display.color_enabled", true)
	viper.SetDefault("display.theme", "dark")
}

// buildConfig assembles the immutable configuration from the config file,
// environment and CLI flags. Every component receives the result explicitly;
// nothing reads viper after this point.
func buildConfig() (*config.Config, error) {
	cfg := config.New()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.SetDefaults()

	// --no-color is inverted relative to its config key.
	if rootCmd.PersistentFlags().Changed("no-color") {
		cfg.Display.ColorEnabled = !noColor
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the run logger. Logs go to stderr so stdout stays
// reserved for summaries, tables and JSON output.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:      logging.LogLevel(strings.ToLower(cfg.Logging.Level)),
		Output:     os.Stderr,
		Format:     cfg.Logging.Format,
		ShowCaller: cfg.Logging.ShowCaller,
		LogFile:    cfg.Logging.LogFile,
	})
}

// engine bundles what every subcommand wires before it can run: the
// immutable configuration, the logger, the set store and the terminal
// renderer.
type engine struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *backup.Store
	renderer *display.Renderer
}

func newEngine() (*engine, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	store, err := backup.NewStore(cfg.Backup.Root, logger)
	if err != nil {
		return nil, err
	}
	return &engine{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		renderer: display.NewRenderer(os.Stdout, cfg.Display.Theme, cfg.Display.ColorEnabled),
	}, nil
}

// openSource opens the live database read-only. The caller owns the close.
func (e *engine) openSource() (*database.Source, error) {
	path, err := e.cfg.ResolveDatabasePath()
	if err != nil {
		return nil, err
	}
	return database.NewSource(path, e.logger)
}

// lock takes the cross-process run lock for a mutating operation. Read-only
// commands never call this.
func (e *engine) lock(operation string) (*backup.RunLock, error) {
	lock := backup.NewRunLock(e.store.LockPath(), e.logger)
	if err := lock.Acquire(operation); err != nil {
		return nil, err
	}
	return lock, nil
}

// newRuntime builds the Docker-backed collaborators the configuration asks
// for. With no service container and no volumes configured everything stays
// nil and the engine treats the deployment as unmanaged.
func newRuntime(cfg *config.Config, logger *logging.Logger) (backup.ServiceController, backup.HealthProbe, backup.VolumeManager, error) {
	var (
		controller backup.ServiceController
		probe      backup.HealthProbe
		volumes    backup.VolumeManager
	)

	if cfg.Runtime.ServiceContainer != "" || len(cfg.Runtime.Volumes) > 0 {
		cli, err := runtime.NewClient()
		if err != nil {
			return nil, nil, nil, err
		}
		volumes = runtime.NewVolumes(cli, cfg.Runtime.HelperImage, logger)
		if cfg.Runtime.ServiceContainer != "" {
			ctrl := runtime.NewController(cli, cfg.Runtime.ServiceContainer, logger)
			controller = ctrl
			probe = runtime.NewProbe(cfg.Runtime.HealthURL, ctrl, logger)
		}
	}
	if probe == nil && cfg.Runtime.HealthURL != "" {
		probe = runtime.NewProbe(cfg.Runtime.HealthURL, nil, logger)
	}
	return controller, probe, volumes, nil
}

// finishRun renders the end-of-run summary and maps the outcome onto the
// process exit code: a fatal engine error is 1, a degraded summary is 2.
// Fatal errors also go to the structured log with their taxonomy category.
func (e *engine) finishRun(summary *backup.RunSummary, err error) error {
	if summary != nil {
		e.renderer.Summary(summary)
	}
	if err != nil {
		if e.logger != nil {
			e.logger.WithFields(map[string]interface{}{
				"error_type": string(backup.TypeOf(err)),
			}).Error(err.Error())
		}
		e.renderer.Error(err)
		return &exitError{code: backup.ExitFatal}
	}
	if summary == nil {
		return nil
	}
	if code := summary.ExitCode(); code != backup.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vwbackup version %s\n", version)
			fmt.Printf("Built: %s\n", buildTime)
			fmt.Printf("Commit: %s\n", gitCommit)
			fmt.Printf("Go version: %s\n", goVersion)
		},
	}
}

// sampleSettings mirrors config.Config with string durations so the
// generated YAML reads the way an operator would write it.
type sampleSettings struct {
	DatabaseURL string            `yaml:"database_url"`
	Backup      sampleBackup      `yaml:"backup"`
	Compression sampleCompression `yaml:"compression"`
	Encryption  sampleEncryption  `yaml:"encryption"`
	Retention   sampleRetention   `yaml:"retention"`
	Restore     sampleRestore     `yaml:"restore"`
	Runtime     sampleRuntime     `yaml:"runtime"`
	Throttle    sampleThrottle    `yaml:"throttle"`
	Offload     sampleOffload     `yaml:"offload"`
	Logging     sampleLogging     `yaml:"logging"`
	Display     sampleDisplay     `yaml:"display"`
}

type sampleBackup struct {
	Root            string   `yaml:"root"`
	Formats         []string `yaml:"formats"`
	FreshnessWindow string   `yaml:"freshness_window"`
	Validate        bool     `yaml:"validate"`
}

type sampleCompression struct {
	Algorithm string `yaml:"algorithm"`
	Level     int    `yaml:"level"`
}

type sampleEncryption struct {
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
}

type sampleRetention struct {
	DatabaseKeep int `yaml:"database_keep"`
	FullKeep     int `yaml:"full_keep"`
}

type sampleRestore struct {
	HealthAttempts int    `yaml:"health_attempts"`
	HealthInterval string `yaml:"health_interval"`
}

type sampleRuntime struct {
	ServiceContainer string   `yaml:"service_container"`
	Volumes          []string `yaml:"volumes"`
	ConfigPaths      []string `yaml:"config_paths"`
	SecretFile       string   `yaml:"secret_file"`
	LogPaths         []string `yaml:"log_paths"`
	HealthURL        string   `yaml:"health_url"`
	HelperImage      string   `yaml:"helper_image"`
	QuiesceTimeout   string   `yaml:"quiesce_timeout"`
	VolumeTimeout    string   `yaml:"volume_timeout"`
	ArchiveTimeout   string   `yaml:"archive_timeout"`
}

type sampleThrottle struct {
	Enabled  bool `yaml:"enabled"`
	Niceness int  `yaml:"niceness"`
}

type sampleOffload struct {
	Remote  string `yaml:"remote"`
	Tool    string `yaml:"tool"`
	Timeout string `yaml:"timeout"`
}

type sampleLogging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	LogFile    string `yaml:"log_file"`
	ShowCaller bool   `yaml:"show_caller"`
}

type sampleDisplay struct {
	ColorEnabled bool   `yaml:"color_enabled"`
	Theme        string `yaml:"theme"`
}

const sampleBanner = `# vwbackup configuration file
#
# Load order: --config flag, then $HOME/.vwbackup.yaml, then ./.vwbackup.yaml.
# Every key can be overridden through the environment with the VWBACKUP_
# prefix, e.g. VWBACKUP_BACKUP_ROOT=/mnt/backups or
# VWBACKUP_RETENTION_DATABASE_KEEP=14.
#
# The backup passphrase is never stored in this file: set BACKUP_PASSPHRASE
# in the environment, or point encryption.passphrase_file at a root-owned
# file containing only the passphrase.

`

// renderSampleConfig produces a complete, loadable configuration template
// around a typical single-container vaultwarden deployment.
func renderSampleConfig() (string, error) {
	sample := sampleSettings{
		DatabaseURL: "sqlite:///data/vaultwarden/db.sqlite3",
		Backup: sampleBackup{
			Root:            "/var/lib/vwbackup",
			Formats:         []string{"native"},
			FreshnessWindow: "24h",
			Validate:        false,
		},
		Compression: sampleCompression{Algorithm: "gzip", Level: 6},
		Encryption:  sampleEncryption{PassphraseEnv: "BACKUP_PASSPHRASE"},
		Retention:   sampleRetention{DatabaseKeep: 30, FullKeep: 8},
		Restore:     sampleRestore{HealthAttempts: 10, HealthInterval: "5s"},
		Runtime: sampleRuntime{
			ServiceContainer: "vaultwarden",
			Volumes:          []string{"vw-data"},
			ConfigPaths:      []string{"/etc/vaultwarden"},
			SecretFile:       "/etc/vaultwarden/secrets.env",
			LogPaths:         []string{"/var/log/vaultwarden.log"},
			HealthURL:        "http://127.0.0.1:8080/alive",
			HelperImage:      "alpine:3.20",
			QuiesceTimeout:   "30s",
			VolumeTimeout:    "5m",
			ArchiveTimeout:   "10m",
		},
		Throttle: sampleThrottle{Enabled: true, Niceness: 19},
		Offload:  sampleOffload{Tool: "rclone", Timeout: "15m"},
		Logging:  sampleLogging{Level: "normal", Format: "text"},
		Display:  sampleDisplay{ColorEnabled: true, Theme: "dark"},
	}

	out, err := yaml.Marshal(sample)
	if err != nil {
		return "", fmt.Errorf("failed to render sample configuration: %w", err)
	}
	return sampleBanner + string(out), nil
}

// createConfigCommand creates the config subcommand for generating a sample
// configuration file.
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Generate a sample configuration file",
		Long: `Generate a sample configuration file that can be used with the --config
flag. The output is a complete, loadable template built around a typical
single-container vaultwarden deployment; redirect it to a file and adjust.

Examples:
  vwbackup config > /etc/vwbackup.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := renderSampleConfig()
			if err != nil {
				return err
			}
			fmt.Print(sample)
			return nil
		},
	}
}
