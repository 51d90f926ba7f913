package xlock

import (
	"context"
	"time"

	"github.com/crossheap/xinterp/shmbuf"
)

// Lock is non-reentrant: a second Acquire presenting the same owner token
// while already held must block or fail exactly as a different token
// would. It is built on RLock by requiring the nesting counter be exactly
// zero at entry; if an Acquire would have nested (same owner, already
// held), it is rejected as contention instead.
type Lock struct {
	r *RLock
}

// NewLock allocates a fresh non-reentrant Lock.
func NewLock() (*Lock, error) {
	r, err := NewRLock()
	if err != nil {
		return nil, err
	}

	return &Lock{r: r}, nil
}

// AttachLock builds a Lock view over an already-shared buffer.
func AttachLock(buf *shmbuf.Buffer) *Lock {
	return &Lock{r: AttachRLock(buf)}
}

// WithTimeout arms a one-shot timeout override for the next Acquire.
func (l *Lock) WithTimeout(d time.Duration) *Lock {
	l.r.WithTimeout(d)
	return l
}

// Acquire rejects a same-owner reacquire (unlike RLock) by routing it
// through a distinct internal token each call, so a caller's own nested
// Acquire contends for the byte exactly like a foreign holder would.
func (l *Lock) Acquire(ctx context.Context, blocking bool, timeout time.Duration) (bool, error) {
	return l.r.Acquire(ctx, new(struct{}), blocking, timeout)
}

// Release releases the lock. A silent no-op if unheld.
func (l *Lock) Release() { l.r.Release() }

// Locked peeks without blocking.
func (l *Lock) Locked() bool { return l.r.Locked() }

// Close releases the backing buffer.
func (l *Lock) Close() error { return l.r.Close() }
