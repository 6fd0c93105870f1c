package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"vwbackup/internal/backup"
	"vwbackup/internal/config"
	"vwbackup/internal/display"
	"vwbackup/internal/logging"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The generated sample must load through the same viper machinery the real
// configuration path uses and come out valid.
func TestRenderSampleConfigLoads(t *testing.T) {
	sample, err := renderSampleConfig()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sample, "# vwbackup configuration file"))

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(sample)))

	cfg := config.New()
	require.NoError(t, v.Unmarshal(cfg))
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite:///data/vaultwarden/db.sqlite3", cfg.DatabaseURL)
	assert.Equal(t, "/var/lib/vwbackup", cfg.Backup.Root)
	assert.Equal(t, []string{"native"}, cfg.Backup.Formats)
	assert.Equal(t, 24*time.Hour, cfg.Backup.FreshnessWindow)
	assert.Equal(t, "gzip", cfg.Compression.Algorithm)
	assert.Equal(t, 30, cfg.Retention.DatabaseKeep)
	assert.Equal(t, 8, cfg.Retention.FullKeep)
	assert.Equal(t, "vaultwarden", cfg.Runtime.ServiceContainer)
	assert.Equal(t, 30*time.Second, cfg.Runtime.QuiesceTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Offload.Timeout)
}

// The sample documents where the passphrase comes from but never holds one.
func TestRenderSampleConfigKeepsPassphraseOut(t *testing.T) {
	sample, err := renderSampleConfig()
	require.NoError(t, err)

	assert.Contains(t, sample, "passphrase_env: BACKUP_PASSPHRASE")
	assert.NotContains(t, strings.ToLower(sample), "passphrase:")
}

func TestFinishRunExitCodes(t *testing.T) {
	newSummary := func(status backup.RunStatus) *backup.RunSummary {
		s := backup.NewRunSummary("backup")
		s.Record("produce", status, "")
		return s
	}

	tests := []struct {
		name     string
		summary  *backup.RunSummary
		err      error
		wantCode int
	}{
		{"no summary, no error", nil, nil, 0},
		{"all ok", newSummary(backup.StatusOK), nil, 0},
		{"degraded summary", newSummary(backup.StatusDegraded), nil, backup.ExitDegraded},
		{"failed summary", newSummary(backup.StatusFailed), nil, backup.ExitFatal},
		{"engine error wins", newSummary(backup.StatusOK), errors.New("disk full"), backup.ExitFatal},
		{"error without summary", nil, errors.New("disk full"), backup.ExitFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			eng := &engine{renderer: display.NewRenderer(&out, "plain", false)}

			err := eng.finishRun(tt.summary, tt.err)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			var exit *exitError
			require.ErrorAs(t, err, &exit)
			assert.Equal(t, tt.wantCode, exit.code)
		})
	}
}

// A fatal error must surface in the rendered output and carry its taxonomy
// category into the structured log.
func TestFinishRunRendersError(t *testing.T) {
	var out, logs bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{
		Level:  logging.LogLevelNormal,
		Output: &logs,
		Format: "json",
	})
	require.NoError(t, err)

	eng := &engine{
		logger:   logger,
		renderer: display.NewRenderer(&out, "plain", false),
	}

	summary := backup.NewRunSummary("restore")
	summary.Record("verify", backup.StatusOK, "passed")

	runErr := eng.finishRun(summary, backup.NewRestoreError("service did not come back", nil))
	var exit *exitError
	require.ErrorAs(t, runErr, &exit)
	assert.Equal(t, backup.ExitFatal, exit.code)
	assert.Contains(t, out.String(), "service did not come back")
	assert.Contains(t, logs.String(), `"error_type":"restore"`)
}
