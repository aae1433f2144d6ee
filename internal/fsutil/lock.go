package fsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenhq/warden/internal/errs"
)

// lockPollInterval is how often a blocked acquirer rechecks the lock file.
const lockPollInterval = 50 * time.Millisecond

// LockInfo is written into the lock file so operators and the recovery
// service can see who holds a lock and since when.
type LockInfo struct {
	PID        int       `json:"pid"`
	TxID       string    `json:"txId,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is a held advisory file lock.
type Lock struct {
	Path string

	released bool
}

// AcquireLock takes the advisory lock at path, waiting up to timeout. The
// lock file is created with O_EXCL so exactly one process wins; losers poll
// until the file disappears or the deadline passes, which surfaces as a
// lock-timeout error carrying the lock path and total wait.
func AcquireLock(ctx context.Context, path string, timeout time.Duration, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	if info.AcquiredAt.IsZero() {
		info.AcquiredAt = time.Now().UTC()
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}

	start := time.Now()
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			data, merr := json.Marshal(info)
			if merr == nil {
				_, merr = f.Write(data)
			}
			cerr := f.Close()
			if merr != nil || cerr != nil {
				os.Remove(path)
				if merr == nil {
					merr = cerr
				}
				return nil, fmt.Errorf("write lock info: %w", merr)
			}
			return &Lock{Path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		waited := time.Since(start)
		if waited >= timeout {
			return nil, errs.LockTimeout(path, waited, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReadLockInfo reads the holder metadata from a lock file.
func ReadLockInfo(path string) (LockInfo, error) {
	var info LockInfo
	err := ReadJSON(path, &info)
	return info, err
}
