package backup

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"vwbackup/internal/config"
	"vwbackup/internal/logging"
)

// RcloneOffloader mirrors committed backup sets to a remote via an
// external sync tool, rclone by default. The tool owns credentials and
// remote configuration; this process never talks to object storage
// itself. Offload failures degrade a run but never undo the local backup.
type RcloneOffloader struct {
	remote  string
	tool    string
	timeout time.Duration
	logger  *logging.Logger
}

// NewRcloneOffloader builds an offloader from the offload configuration.
func NewRcloneOffloader(cfg config.OffloadConfig, logger *logging.Logger) *RcloneOffloader {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &RcloneOffloader{
		remote:  strings.TrimRight(strings.TrimSpace(cfg.Remote), "/"),
		tool:    cfg.Tool,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Enabled reports whether a remote is configured.
func (o *RcloneOffloader) Enabled() bool { return o.remote != "" }

// Offload copies the committed set directory to <remote>/<category>/<ts>.
func (o *RcloneOffloader) Offload(ctx context.Context, set *BackupSet) error {
	if !o.Enabled() {
		return nil
	}
	if set.Dir == "" {
		return NewOffloadError("set has no committed directory to offload", nil).WithContext("set", set.ID())
	}
	if _, err := exec.LookPath(o.tool); err != nil {
		return NewOffloadError(fmt.Sprintf("sync tool %q not found in PATH", o.tool), err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	dst := fmt.Sprintf("%s/%s/%s", o.remote, set.Category, set.Timestamp)
	start := time.Now()

	cmd := exec.CommandContext(ctx, o.tool, "copy", set.Dir, dst)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return NewOffloadError("offload failed", err).
			WithContext("set", set.ID()).
			WithContext("remote", dst).
			WithContext("output", truncateOutput(output))
	}

	o.logger.WithFields(map[string]interface{}{
		"set":      set.ID(),
		"remote":   dst,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Info("Backup set offloaded")
	return nil
}

// truncateOutput keeps tool output short enough for an error context.
func truncateOutput(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > 400 {
		return s[:400] + "..."
	}
	return s
}
