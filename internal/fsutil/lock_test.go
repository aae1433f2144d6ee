package fsutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/errs"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "s1.lock")

	lock, err := AcquireLock(context.Background(), path, time.Second, LockInfo{TxID: "tx-1"})
	require.NoError(t, err)
	require.FileExists(t, path)

	info, err := ReadLockInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", info.TxID)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.False(t, info.AcquiredAt.IsZero())

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
}

func TestAcquireLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.lock")

	held, err := AcquireLock(context.Background(), path, time.Second, LockInfo{})
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = AcquireLock(context.Background(), path, 150*time.Millisecond, LockInfo{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLockTimeout))
	assert.Equal(t, path, errs.FieldOf(err, "lock"))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquireLockAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.lock")

	first, err := AcquireLock(context.Background(), path, time.Second, LockInfo{})
	require.NoError(t, err)
	require.NoError(t, first.Release())
	require.NoError(t, first.Release()) // idempotent

	second, err := AcquireLock(context.Background(), path, time.Second, LockInfo{})
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireLockContextCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.lock")

	held, err := AcquireLock(context.Background(), path, time.Second, LockInfo{})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = AcquireLock(ctx, path, 10*time.Second, LockInfo{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireLockWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.lock")

	held, err := AcquireLock(context.Background(), path, time.Second, LockInfo{})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()

	waiter, err := AcquireLock(context.Background(), path, 2*time.Second, LockInfo{})
	require.NoError(t, err)
	waiter.Release()
}
