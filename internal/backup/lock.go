package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"vwbackup/internal/logging"
)

// RunLock serializes mutating runs across processes through a PID file in
// the backup root. The lock is advisory: it protects backup, restore and
// prune runs from each other, not from arbitrary writers.
type RunLock struct {
	path   string
	logger *logging.Logger
	held   bool
}

// NewRunLock returns a lock backed by the given file path.
func NewRunLock(path string, logger *logging.Logger) *RunLock {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &RunLock{path: path, logger: logger}
}

// lockInfo is what the holder writes into the lock file, so a blocked run
// can say who is in the way.
type lockInfo struct {
	PID       int       `json:"pid"`
	Operation string    `json:"operation"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname,omitempty"`
}

// Acquire takes the lock for the named operation. A lock left behind by a
// process that no longer exists is treated as stale and cleared; a lock
// held by a live process is a hard error.
func (l *RunLock) Acquire(operation string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			info := lockInfo{
				PID:       os.Getpid(),
				Operation: operation,
				StartedAt: time.Now().UTC(),
			}
			info.Hostname, _ = os.Hostname()
			data, merr := json.MarshalIndent(info, "", "  ")
			if merr == nil {
				_, err = f.Write(data)
			} else {
				err = merr
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(l.path)
				return NewLockError("failed to write lock file", err).WithContext("lock", l.path)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return NewLockError("failed to create lock file", err).WithContext("lock", l.path)
		}

		holder, readErr := l.readHolder()
		if readErr != nil {
			// A lock file with no readable holder can never be validated
			// against a running process; clear it rather than deadlock.
			l.logger.WithFields(map[string]interface{}{
				"lock":  l.path,
				"error": readErr.Error(),
			}).Warning("Clearing unreadable lock file")
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return NewLockError("failed to clear unreadable lock file", err).WithContext("lock", l.path)
			}
			continue
		}

		if processAlive(holder.PID) {
			return NewLockError(fmt.Sprintf("another operation is running: %s (pid %d, started %s)",
				holder.Operation, holder.PID, holder.StartedAt.Format(time.RFC3339)), nil).
				WithContext("lock", l.path)
		}

		l.logger.WithFields(map[string]interface{}{
			"lock":      l.path,
			"pid":       holder.PID,
			"operation": holder.Operation,
		}).Warning("Clearing stale lock left by dead process")
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return NewLockError("failed to clear stale lock", err).WithContext("lock", l.path)
		}
	}
	return NewLockError("failed to acquire lock after clearing a stale holder", nil).WithContext("lock", l.path)
}

// Release drops the lock. Safe to call when the lock was never acquired.
func (l *RunLock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.WithFields(map[string]interface{}{
			"lock":  l.path,
			"error": err.Error(),
		}).Warning("Failed to remove lock file")
	}
	l.held = false
}

// Held reports whether this instance currently owns the lock.
func (l *RunLock) Held() bool { return l.held }

func (l *RunLock) readHolder() (*lockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("lock file carries no pid")
	}
	return &info, nil
}

// processAlive probes a PID with signal 0. EPERM still means the process
// exists, just under another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
