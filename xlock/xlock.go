// Package xlock implements the user-visible cross-process mutual
// exclusion primitives: a single lock byte inside a shmbuf.Buffer's
// payload, so any process holding that buffer can contend for it.
package xlock

import (
	"context"
	"sync"
	"time"

	"github.com/crossheap/xinterp/internal/atomiclock"
	"github.com/crossheap/xinterp/shmbuf"
	"github.com/crossheap/xinterp/xerrors"
)

// IntRLock counts nested acquisitions made through a single view object:
// the underlying byte transitions 0->1 only on the outermost Acquire and
// 1->0 only on the matching outermost Release. Any other interpreter, or
// any other IntRLock view in the same process attached to the same
// buffer, is excluded for the whole nested span.
type IntRLock struct {
	mu    sync.Mutex
	buf   *shmbuf.Buffer
	byte  *atomiclock.Byte
	depth int

	oneShotTimeout *time.Duration
}

// New allocates a fresh one-byte shmbuf.Buffer and returns a lock over it,
// unlocked, on the origin side.
func New() (*IntRLock, error) {
	buf, err := shmbuf.New(1, shmbuf.DefaultTTL)
	if err != nil {
		return nil, err
	}

	if err := buf.Start(); err != nil {
		return nil, err
	}

	return &IntRLock{buf: buf, byte: buf.Lock()}, nil
}

// Attach builds a lock view over an already-shared buffer (obtained via
// shmbuf.Deserialize + Start elsewhere).
func Attach(buf *shmbuf.Buffer) *IntRLock {
	return &IntRLock{buf: buf, byte: buf.Lock()}
}

// WithTimeout returns the lock's receiver after arming a one-shot timeout
// override for the *next* Acquire call only; after that call it reverts to
// the per-call timeout the caller passes explicitly. This mirrors the
// original's `.timeout(d)` / context-manager pairing.
func (l *IntRLock) WithTimeout(d time.Duration) *IntRLock {
	l.mu.Lock()
	l.oneShotTimeout = &d
	l.mu.Unlock()

	return l
}

// Acquire follows the blocking/timeout contract: blocking=false forces
// timeout to zero and never returns ErrTimeout, only ErrResourceBusy (or
// success). When blocking is true, timeout < 0 waits forever, 0 fails
// fast with ErrResourceBusy, and > 0 bounds the wait with ErrTimeout on
// expiry.
func (l *IntRLock) Acquire(ctx context.Context, blocking bool, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	if l.oneShotTimeout != nil {
		timeout = *l.oneShotTimeout
		l.oneShotTimeout = nil
	}
	l.mu.Unlock()

	if !blocking {
		timeout = 0
	}

	l.mu.Lock()
	if l.depth > 0 {
		l.depth++
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	err := l.byte.Acquire(ctx, timeout)
	if err != nil {
		if !blocking && err == xerrors.ErrResourceBusy {
			return false, nil
		}

		return false, err
	}

	l.mu.Lock()
	l.depth = 1
	l.mu.Unlock()

	return true, nil
}

// Release decrements the nesting depth, releasing the underlying byte
// only when it reaches zero. Releasing an unheld lock is a silent no-op.
func (l *IntRLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return
	}

	l.depth--
	if l.depth == 0 {
		l.byte.Release()
	}
}

// Locked peeks the underlying byte without blocking.
func (l *IntRLock) Locked() bool {
	return l.byte.Peek() != 0
}

// Close releases the backing buffer.
func (l *IntRLock) Close() error {
	return l.buf.Close()
}

// Buffer returns the shmbuf.Buffer backing the lock byte, for serializing
// to another process or for building a second local view in tests.
func (l *IntRLock) Buffer() *shmbuf.Buffer { return l.buf }
