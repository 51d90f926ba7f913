// Package atomiclock implements the single-byte spin lock every
// cross-interpreter structure in this module embeds in its header.
//
// The only data genuinely shared across an interpreter (here: OS process)
// boundary are pages of bytes exposed by address and length. A single byte
// inside those pages, mutated with a real atomic compare-and-swap, is the
// entire synchronization primitive everything else — SharedBuffer headers,
// board slots, pipe reference counts, user-visible locks — is built from.
package atomiclock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"

	"github.com/crossheap/xinterp/xerrors"
)

// SchedQuantum approximates the host scheduler's minimum quantum. The
// contract asks for a sleep of about 4x this between try_acquire spins;
// there is no portable way to read the real value in Go, so a conservative
// constant stands in for it.
const SchedQuantum = 250 * time.Microsecond

// DefaultTimeout is used by callers that want the contract's default
// acquire timeout rather than an explicit one.
const DefaultTimeout = 50 * SchedQuantum

// Byte is a compare-and-swap lock over a single byte living anywhere in
// live memory, including inside a region mapped into more than one
// process. It holds no backing storage of its own: it only ever aims at a
// byte someone else owns.
type Byte struct {
	word *atomic.Uint8
}

// At returns a Byte aimed at buf[offset]. buf must outlive the returned
// Byte and must not be reallocated out from under it (shared-memory
// mappings never move, but ordinary heap slices can be resized by append;
// callers must only use At on buffers with fixed backing storage).
func At(buf []byte, offset int) *Byte {
	if offset < 0 || offset >= len(buf) {
		panic(fmt.Sprintf("atomiclock: offset %d out of bounds for %d-byte buffer", offset, len(buf)))
	}

	//nolint:gosec // deliberate: the whole point of this type is pointing a
	// real atomic op at an address inside memory shared across processes.
	word := (*atomic.Uint8)(unsafe.Pointer(&buf[offset]))

	return &Byte{word: word}
}

// TryAcquire performs a single compare-and-swap of the byte from 0 to 1.
// It reports whether the swap succeeded.
func (b *Byte) TryAcquire() bool {
	return b.word.CompareAndSwap(0, 1)
}

// Release stores 0 unconditionally. Releasing a lock nobody holds is a
// no-op at this layer — higher layers (xlock) that need "release on an
// unheld lock is a silent no-op" semantics enforce it themselves, since
// this type has no notion of ownership.
func (b *Byte) Release() {
	b.word.Store(0)
}

// Peek reports the byte's current value without acquiring it.
func (b *Byte) Peek() uint8 {
	return b.word.Load()
}

// Acquire loops TryAcquire with a scheduler-yielding sleep until success or
// timeout.
//
//   - timeout < 0: wait forever.
//   - timeout == 0: try exactly once; on failure return ErrResourceBusy.
//   - timeout > 0: retry until the timeout elapses; on failure return
//     ErrTimeout.
func (b *Byte) Acquire(ctx context.Context, timeout time.Duration) error {
	if b.TryAcquire() {
		return nil
	}

	if timeout == 0 {
		return xerrors.ErrResourceBusy
	}

	op := func() (struct{}, error) {
		if b.TryAcquire() {
			return struct{}{}, nil
		}

		return struct{}{}, errRetry
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(4 * SchedQuantum)),
	}
	if timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(timeout))
	}

	if _, err := backoff.Retry(ctx, op, opts...); err != nil {
		if timeout > 0 {
			return xerrors.ErrTimeout
		}

		return err
	}

	return nil
}

var errRetry = fmt.Errorf("atomiclock: not yet acquired")
