package xlock

import (
	"context"
	"sync"
	"time"

	"github.com/crossheap/xinterp/internal/atomiclock"
	"github.com/crossheap/xinterp/shmbuf"
	"github.com/crossheap/xinterp/xerrors"
)

// Go exposes no stable, public goroutine-identity API the way the source
// relies on OS thread identity for RLock's "same thread" reentrance. The
// Go-native reading used here: callers that want reentrant behavior pass
// an explicit owner token (any comparable value — a context key, a
// worker ID, anything stable for the calling goroutine's logical lifetime)
// to Acquire; the lock tracks nesting per token instead of per OS thread.
// A single fixed token used consistently by one goroutine reproduces the
// source's RLock semantics exactly.

// RLock is reentrant for repeated Acquire calls presenting the same owner
// token; a different token (a different logical "thread") blocks even
// though it is the same process, matching the source's
// same-thread-reentrant / other-threads-block contract.
//
// RLock owns its byte directly rather than wrapping an IntRLock: IntRLock's
// own depth counter is reentrant for ANY caller once depth>0, with no
// notion of owner, so delegating to it after the first Acquire would let a
// second owner token ride the first owner's held lock for free.
type RLock struct {
	mu    sync.Mutex
	buf   *shmbuf.Buffer
	byte  *atomiclock.Byte
	owner any
	depth int

	oneShotTimeout *time.Duration
}

// NewRLock allocates a fresh RLock backed by its own shmbuf.Buffer.
func NewRLock() (*RLock, error) {
	buf, err := shmbuf.New(1, shmbuf.DefaultTTL)
	if err != nil {
		return nil, err
	}

	if err := buf.Start(); err != nil {
		return nil, err
	}

	return &RLock{buf: buf, byte: buf.Lock()}, nil
}

// AttachRLock builds an RLock view over an already-shared buffer.
func AttachRLock(buf *shmbuf.Buffer) *RLock {
	return &RLock{buf: buf, byte: buf.Lock()}
}

// WithTimeout arms a one-shot timeout override for the next Acquire.
func (l *RLock) WithTimeout(d time.Duration) *RLock {
	l.mu.Lock()
	l.oneShotTimeout = &d
	l.mu.Unlock()

	return l
}

// Acquire is reentrant when called repeatedly with the same owner token
// while already held by that token; any other token contends for the
// underlying byte exactly like a fresh acquirer would, blocking or failing
// per blocking/timeout.
func (l *RLock) Acquire(ctx context.Context, owner any, blocking bool, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	if l.depth > 0 && l.owner == owner {
		l.depth++
		l.mu.Unlock()
		return true, nil
	}

	if l.oneShotTimeout != nil {
		timeout = *l.oneShotTimeout
		l.oneShotTimeout = nil
	}
	l.mu.Unlock()

	if !blocking {
		timeout = 0
	}

	err := l.byte.Acquire(ctx, timeout)
	if err != nil {
		if !blocking && err == xerrors.ErrResourceBusy {
			return false, nil
		}

		return false, err
	}

	l.mu.Lock()
	l.owner = owner
	l.depth = 1
	l.mu.Unlock()

	return true, nil
}

// Release decrements the current owner's nesting depth, releasing the
// underlying byte at depth zero. A silent no-op if unheld.
func (l *RLock) Release() {
	l.mu.Lock()
	if l.depth == 0 {
		l.mu.Unlock()
		return
	}

	l.depth--
	empty := l.depth == 0
	l.mu.Unlock()

	if empty {
		l.byte.Release()
	}
}

// Locked peeks without blocking.
func (l *RLock) Locked() bool { return l.byte.Peek() != 0 }

// Close releases the backing buffer.
func (l *RLock) Close() error { return l.buf.Close() }

// Buffer returns the shmbuf.Buffer backing the lock byte, for serializing
// to another process or for building a second local view in tests.
func (l *RLock) Buffer() *shmbuf.Buffer { return l.buf }
