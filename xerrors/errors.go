// Package xerrors defines the sentinel error kinds shared across every
// xinterp package.
//
// Every cross-interpreter primitive in this module (shmbuf, board, pipe,
// worker, xqueue, xlock) classifies its failures using these sentinels so
// callers can branch with [errors.Is] instead of parsing messages. See the
// package-level doc on each concrete package for which of these it returns
// and when.
package xerrors

import "errors"

var (
	// ErrResourceBusy is returned by a non-blocking operation that would
	// otherwise have had to wait (a zero-timeout lock/pipe acquire that
	// lost the race). Callers recover; this is never fatal.
	ErrResourceBusy = errors.New("xinterp: resource busy")

	// ErrTimeout is returned when a timed operation exceeded its deadline.
	ErrTimeout = errors.New("xinterp: timeout")

	// ErrPayloadTooLarge is returned by Worker.Run when the call's args
	// exceed the worker's send budget.
	ErrPayloadTooLarge = errors.New("xinterp: payload too large")

	// ErrBufferNotReady is returned when a SharedBuffer is accessed before
	// Start or after Close. This is a programming error and surfaces.
	ErrBufferNotReady = errors.New("xinterp: buffer not ready")

	// ErrInvalidState is returned when a SharedBuffer or Slot state-machine
	// precondition is violated. This is a programming error and surfaces.
	ErrInvalidState = errors.New("xinterp: invalid state")

	// ErrTTLExceeded is returned when a consumer attaches to a buffer after
	// its TTL has passed. Treat the remote object as gone.
	ErrTTLExceeded = errors.New("xinterp: ttl exceeded")

	// ErrInterpreterBusy is returned when Close is attempted on a worker
	// whose child interpreter is still executing. Callers must Join first.
	ErrInterpreterBusy = errors.New("xinterp: interpreter busy")

	// ErrChildFailure wraps a runtime error reported by a child
	// interpreter. The worker remains usable after this is returned.
	ErrChildFailure = errors.New("xinterp: child failure")

	// ErrEmpty is returned by a non-blocking Queue.Get when no item is
	// available.
	ErrEmpty = errors.New("xinterp: queue empty")

	// ErrFull is returned by board.NewItem, and so by any Queue.Put, when
	// the board has no free slot.
	ErrFull = errors.New("xinterp: queue full")

	// ErrBrokenChannel is returned when a write targets a pipe with no
	// readers left. Callers decide; Queue.Put rolls back the slot it just
	// posted and returns this error.
	ErrBrokenChannel = errors.New("xinterp: broken channel")

	// ErrClosed names the closed-primitive failure. No package in this
	// module returns it; an operation on a closed primitive fails with that
	// primitive's own error (ErrBufferNotReady for a closed SharedBuffer).
	ErrClosed = errors.New("xinterp: closed")
)
