// Package lockfile provides flock(2)-based advisory locking for the
// on-disk config file, guarding concurrent SaveConfig calls from different
// processes (LoadConfig reads without taking it). It is not used on the
// shared-memory data plane (shmbuf/board/pipe use atomiclock for that);
// this is purely a filesystem-level lock around the config store path.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrWouldBlock is returned by TryLock, and by LockWithTimeout once its
// timeout expires.
var ErrWouldBlock = errors.New("lockfile: would block")

// Lock represents a held advisory lock on a path. Close releases it.
type Lock struct {
	file *os.File
}

// Close releases the lock and closes its file descriptor. Idempotent.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	unlockErr := flockRetryEINTR(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("lockfile: unlock: %w", unlockErr)
	}

	return closeErr
}

// Lock acquires an exclusive lock on path, blocking until available. The
// file and its parent directory are created if missing.
func Lock(path string) (*Lock, error) {
	file, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	if err := flockRetryEINTR(int(file.Fd()), syscall.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("lockfile: flock: %w", err)
	}

	return &Lock{file: file}, nil
}

// TryLock attempts to acquire an exclusive lock without blocking, failing
// fast with ErrWouldBlock if another process holds it.
func TryLock(path string) (*Lock, error) {
	file, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	err = flockRetryEINTR(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return &Lock{file: file}, nil
	}

	file.Close()

	if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
		return nil, ErrWouldBlock
	}

	return nil, fmt.Errorf("lockfile: flock: %w", err)
}

// LockWithTimeout retries TryLock with a short fixed backoff until timeout
// elapses, returning ErrWouldBlock on expiry.
func LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)

	for {
		lk, err := TryLock(path)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: mkdir: %w", err)
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}

func flockRetryEINTR(fd int, how int) error {
	const maxRetries = 10000

	var err error
	for i := 0; i < maxRetries; i++ {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
