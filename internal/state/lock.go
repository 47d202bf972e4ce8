package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orch-dev/orch/internal/runfs"
)

// DefaultStaleLockAge is how old an existing lock file's mtime must be
// before it is treated as abandoned by a crashed writer.
const DefaultStaleLockAge = time.Hour

// ErrLockHeld reports that another process holds the run.
var ErrLockHeld = errors.New("another process holds the run")

// Lock is an exclusive per-run lock backed by exclusive creation of
// the .lock file inside the run directory.
type Lock struct {
	path string
}

// Acquire takes the run lock, reclaiming a stale lock whose mtime is
// older than staleAge. Reclamation is itself atomic: the stale file is
// removed and the exclusive create retried, so two reclaimers cannot
// both win.
func Acquire(runDir string, staleAge time.Duration) (*Lock, error) {
	if staleAge <= 0 {
		staleAge = DefaultStaleLockAge
	}
	path := filepath.Join(runDir, runfs.LockFileName)
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between our create and stat; retry.
			continue
		}
		if time.Since(info.ModTime()) > staleAge {
			// Abandoned by a crashed writer.
			_ = os.Remove(path)
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
	}
	return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
}

// AcquireWithRetry attempts acquisition up to retries+1 times with a
// short sleep between attempts. Observer commands use it to get a
// consistent snapshot without blocking on a live writer.
func AcquireWithRetry(runDir string, staleAge time.Duration, retries int, interval time.Duration) (*Lock, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
		}
		l, err := Acquire(runDir, staleAge)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if !errors.Is(err, ErrLockHeld) {
			break
		}
	}
	return nil, lastErr
}

// Release removes the lock file. Safe to call once per acquisition.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
}
