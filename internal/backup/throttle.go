package backup

import (
	"runtime"

	"golang.org/x/sys/unix"

	"vwbackup/internal/logging"
)

// NiceThrottler runs CPU-heavy work on a thread with lowered scheduling
// priority, keeping compression and encryption out of the service's way.
// Niceness can only be raised without privileges, never lowered back, so
// the worker thread is locked to its goroutine and discarded afterwards
// instead of returning to the runtime's thread pool.
type NiceThrottler struct {
	enabled  bool
	niceness int
	logger   *logging.Logger
}

// NewNiceThrottler returns a throttler with the given niceness (0-19).
func NewNiceThrottler(enabled bool, niceness int, logger *logging.Logger) *NiceThrottler {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if niceness < 0 {
		niceness = 0
	}
	if niceness > 19 {
		niceness = 19
	}
	return &NiceThrottler{enabled: enabled, niceness: niceness, logger: logger}
}

// Enabled reports whether work will actually be reniced.
func (t *NiceThrottler) Enabled() bool { return t.enabled }

// Run executes fn, reniced when throttling is enabled, and returns its
// error.
func (t *NiceThrottler) Run(fn func() error) error {
	if !t.enabled {
		return fn()
	}

	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), t.niceness); err != nil {
			// The thread was not reniced, so it is safe to hand back.
			runtime.UnlockOSThread()
			t.logger.WithFields(map[string]interface{}{
				"niceness": t.niceness,
				"error":    err.Error(),
			}).Warning("Failed to lower worker priority, continuing unthrottled")
			errCh <- fn()
			return
		}
		// No UnlockOSThread: the reniced thread dies with this goroutine.
		errCh <- fn()
	}()
	return <-errCh
}
