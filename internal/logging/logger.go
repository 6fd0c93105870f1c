package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except critical errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	if config.Output != nil {
		logger.SetOutput(config.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   false,
		})
	}

	switch config.Level {
	case LogLevelQuiet:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelNormal:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelVerbose:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelDebug:
		logger.SetLevel(logrus.TraceLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}

	// Log files can name backup locations, keep them private.
	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}

		if config.Output == nil {
			logger.SetOutput(io.MultiWriter(os.Stdout, file))
		} else {
			logger.SetOutput(io.MultiWriter(config.Output, file))
		}
	}

	return &Logger{
		logger: logger,
		level:  config.Level,
	}, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	config := Config{
		Level:      LogLevelNormal,
		Output:     os.Stdout,
		Format:     "text",
		ShowCaller: false,
	}

	logger, _ := NewLogger(config)
	return logger
}

// WithContext returns a logger with context fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)

	// Add run ID if available in context
	if runID := ctx.Value("run_id"); runID != nil {
		entry = entry.WithField("run_id", runID)
	}

	return entry
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// Backup operation logging methods

// LogBackupRun logs the outcome of a whole backup run
func (l *Logger) LogBackupRun(category string, formats []string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "backup_run",
		"category":  category,
		"formats":   strings.Join(formats, ","),
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.logger.WithFields(fields).Info("Backup run completed")
	} else {
		if err != nil {
			fields["error"] = err.Error()
		}
		l.logger.WithFields(fields).Error("Backup run failed")
	}
}

// LogArtifactProduced logs a single finished artifact
func (l *Logger) LogArtifactProduced(name, format string, size, encryptedSize int64, duration time.Duration) {
	fields := logrus.Fields{
		"operation":      "artifact_produced",
		"artifact":       name,
		"format":         format,
		"size":           size,
		"encrypted_size": encryptedSize,
		"duration":       duration.String(),
	}

	l.logger.WithFields(fields).Info("Artifact produced")
}

// LogVerification logs the result of verifying an artifact
func (l *Logger) LogVerification(artifact string, passed bool, failedLayer string, warnings int, duration time.Duration) {
	fields := logrus.Fields{
		"operation": "verification",
		"artifact":  artifact,
		"warnings":  warnings,
		"duration":  duration.String(),
	}

	if passed {
		l.logger.WithFields(fields).Info("Artifact verification passed")
	} else {
		fields["failed_layer"] = failedLayer
		l.logger.WithFields(fields).Error("Artifact verification failed")
	}
}

// LogStateTransition logs a restore state machine transition
func (l *Logger) LogStateTransition(runID, from, to string) {
	fields := logrus.Fields{
		"operation": "restore",
		"run_id":    runID,
		"from":      from,
		"to":        to,
	}

	l.logger.WithFields(fields).Info("Restore state changed")
}

// LogRetentionSweep logs the outcome of a retention sweep
func (l *Logger) LogRetentionSweep(category string, removed, kept int, duration time.Duration) {
	fields := logrus.Fields{
		"operation": "retention_sweep",
		"category":  category,
		"removed":   removed,
		"kept":      kept,
		"duration":  duration.String(),
	}

	if removed > 0 {
		l.logger.WithFields(fields).Info("Expired backup sets removed")
	} else {
		l.logger.WithFields(fields).Info("No backup sets due for removal")
	}
}

// Standard logging methods

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(msg string) {
	l.logger.Warning(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal(msg)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	switch level {
	case LogLevelQuiet:
		l.logger.SetLevel(logrus.ErrorLevel)
	case LogLevelNormal:
		l.logger.SetLevel(logrus.InfoLevel)
	case LogLevelVerbose:
		l.logger.SetLevel(logrus.DebugLevel)
	case LogLevelDebug:
		l.logger.SetLevel(logrus.TraceLevel)
	}
}

// IsLevelEnabled checks if a log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	switch level {
	case LogLevelQuiet:
		return l.logger.IsLevelEnabled(logrus.ErrorLevel)
	case LogLevelNormal:
		return l.logger.IsLevelEnabled(logrus.InfoLevel)
	case LogLevelVerbose:
		return l.logger.IsLevelEnabled(logrus.DebugLevel)
	case LogLevelDebug:
		return l.logger.IsLevelEnabled(logrus.TraceLevel)
	default:
		return false
	}
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}

	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		duration := time.Since(startTime)
		logFields["status"] = "completed"
		logFields["duration"] = duration.String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Error("Operation failed")
		} else {
			logFields["success"] = true
			l.logger.WithFields(logFields).Info("Operation completed")
		}
	}
}

// CreateContextWithRunID creates a context carrying the backup run ID for tracing
func CreateContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, "run_id", runID)
}

// GetRunIDFromContext extracts the run ID from context
func GetRunIDFromContext(ctx context.Context) string {
	if runID := ctx.Value("run_id"); runID != nil {
		if id, ok := runID.(string); ok {
			return id
		}
	}
	return ""
}

// SanitizeDatabaseURL masks credential-bearing query parameters so a
// database URL can be logged safely.
func SanitizeDatabaseURL(raw string) string {
	base, query, found := strings.Cut(raw, "?")
	if !found {
		return raw
	}

	params := strings.Split(query, "&")
	for i, param := range params {
		name, _, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "key", "_key", "hexkey", "_hexkey", "password", "pass":
			params[i] = name + "=***"
		}
	}

	return base + "?" + strings.Join(params, "&")
}
