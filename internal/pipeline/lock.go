package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/snapship/internal/logging"
)

// LockFileName is created inside STAGING_DIR while a run is active.
const LockFileName = ".snapship.lock"

// lockOwner is the content of a lock file.
type lockOwner struct {
	PID      int
	Host     string
	Acquired time.Time
}

func (o lockOwner) String() string {
	return fmt.Sprintf("pid %d on %s since %s", o.PID, o.Host, o.Acquired.Format(time.RFC3339))
}

// runLock is an exclusive lock on a staging directory. content is what this
// run wrote, so release never removes a lock taken over by another run.
type runLock struct {
	path    string
	content string
	logger  *logging.Logger
}

// acquireLock creates the lock file atomically. A stale lock is removed
// once and acquisition retried. A lock whose owner is alive on this host is
// never stale; otherwise it is stale when its owner is gone or it is older
// than maxAge.
func acquireLock(stagingDir, host string, maxAge time.Duration, now time.Time, logger *logging.Logger) (*runLock, error) {
	lockPath := filepath.Join(stagingDir, LockFileName)
	logger.Debug("Lock file path: %s", lockPath)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), host, now.Format(time.RFC3339))
			_, werr := f.WriteString(content)
			if werr == nil {
				werr = f.Sync()
			}
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			logger.Debug("Lock acquired with PID %d", os.Getpid())
			return &runLock{path: lockPath, content: content, logger: logger}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		owner, stale, reason := inspectLock(lockPath, host, maxAge, now)
		if !stale || attempt > 0 {
			return nil, fmt.Errorf("%w: %s is held by %s", ErrConcurrentRun, lockPath, owner)
		}
		logger.Warning("Removing stale lock file %s (%s)", lockPath, reason)
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentRun, lockPath)
}

// inspectLock reads the lock owner and decides whether the lock is stale.
func inspectLock(lockPath, host string, maxAge time.Duration, now time.Time) (lockOwner, bool, string) {
	owner := lockOwner{}
	info, err := os.Stat(lockPath)
	if err != nil {
		// Vanished in between: let the next attempt win or lose on O_EXCL.
		return owner, os.IsNotExist(err), "lock vanished"
	}
	owner.Acquired = info.ModTime()

	if f, err := os.Open(lockPath); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			key, value, ok := strings.Cut(scanner.Text(), "=")
			if !ok {
				continue
			}
			switch key {
			case "pid":
				owner.PID, _ = strconv.Atoi(value)
			case "host":
				owner.Host = value
			case "time":
				if t, err := time.Parse(time.RFC3339, value); err == nil {
					owner.Acquired = t
				}
			}
		}
		f.Close()
	}

	if owner.Host == host && owner.PID > 0 {
		if processAlive(owner.PID) {
			return owner, false, ""
		}
		return owner, true, fmt.Sprintf("process %d no longer running", owner.PID)
	}
	if maxAge > 0 {
		if age := now.Sub(owner.Acquired); age > maxAge {
			return owner, true, fmt.Sprintf("age %s exceeds %s", age.Round(time.Second), maxAge)
		}
	}
	return owner, false, ""
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// release removes the lock file if it still belongs to this run.
func (l *runLock) release() error {
	if l == nil {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if string(data) != l.content {
		return fmt.Errorf("lock %s was taken over by another run, left in place", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.logger.Debug("Lock file released: %s", l.path)
	return nil
}
