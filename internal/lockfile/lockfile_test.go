package lockfile_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossheap/xinterp/internal/lockfile"
)

func TestLockCreatesFileAndDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.lock")

	lk, err := lockfile.Lock(path)
	require.NoError(t, err)
	require.NoError(t, lk.Close())
}

func TestTryLockFailsWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.lock")

	first, err := lockfile.Lock(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = lockfile.TryLock(path)
	require.ErrorIs(t, err, lockfile.ErrWouldBlock)
}

func TestLockWithTimeoutExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.lock")

	first, err := lockfile.Lock(path)
	require.NoError(t, err)
	defer first.Close()

	start := time.Now()
	_, err = lockfile.LockWithTimeout(path, 30*time.Millisecond)
	require.ErrorIs(t, err, lockfile.ErrWouldBlock)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.lock")

	lk, err := lockfile.Lock(path)
	require.NoError(t, err)
	require.NoError(t, lk.Close())
	require.NoError(t, lk.Close())
}
