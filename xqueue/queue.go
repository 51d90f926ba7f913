// Package xqueue implements the many-producer/many-consumer queue: a
// board.Board for data plus a pipe.SimplexPipe carrying one signal byte
// per posted item.
//
// task_done/join are deliberately absent from this surface: they were
// unimplemented stubs in every revision of the source this was distilled
// from, and the project's own design notes license completing or removing
// them — this rework removes them.
package xqueue

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crossheap/xinterp/board"
	"github.com/crossheap/xinterp/pipe"
	"github.com/crossheap/xinterp/xerrors"
)

// Queue composes a board.Board (data) with a pipe.SimplexPipe (signal).
// The origin interpreter is whichever process called New. Put posts
// through board.NewItem, which is origin-only, and this package has no way
// to attach to a Queue from another process: both Put and Get work on the
// Queue value New returned.
type Queue struct {
	board  *board.Board
	signal *pipe.SimplexPipe
}

// New creates a queue with the given board capacity (0 uses
// board.DefaultCapacity), owned by ownerHandle. liveCheck reports whether
// a given owner handle still names a live interpreter.
func New(capacity int, ownerHandle uint32, liveCheck func(owner uint32) bool) (*Queue, error) {
	b, err := board.New(capacity, ownerHandle, liveCheck)
	if err != nil {
		return nil, err
	}

	sig, err := pipe.NewSimplex()
	if err != nil {
		b.Close()
		return nil, err
	}

	return &Queue{board: b, signal: sig}, nil
}

// Put posts item and then sends the signal byte. If no slot is free it
// returns ErrFull at once, whatever the timeout. The timeout bounds only
// the signal send, per the AtomicByteLock-style convention: timeout < 0
// waits forever, 0 is non-blocking, > 0 bounds the wait. On signal-send
// failure the freshly posted slot is rolled back.
func (q *Queue) Put(item any, timeout time.Duration) error {
	idx, err := q.board.NewItem(item)
	if err != nil {
		return err
	}

	if err := q.signal.Send([]byte{1}, timeout); err != nil {
		_ = q.board.Delete(idx)
		return err
	}

	return nil
}

// PutNowait is Put with a zero timeout.
func (q *Queue) PutNowait(item any) error {
	return q.Put(item, 0)
}

// Get waits for a signal byte, then fetches the first Ready item in slot
// order. If
// FetchItem finds nothing but the board's owner-gone counter is positive,
// one signal byte is drained to keep the pipe and slot counts aligned and
// the wait is retried.
func (q *Queue) Get(timeout time.Duration) (any, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, xerrors.ErrTimeout
			}
		}

		ready, err := q.signal.Select(remaining)
		if err != nil {
			return nil, err
		}

		if !ready {
			if timeout == 0 {
				return nil, xerrors.ErrEmpty
			}

			return nil, xerrors.ErrTimeout
		}

		if _, err := q.signal.Read(1); err != nil {
			return nil, err
		}

		_, value, ok, err := q.board.FetchItem()
		if err != nil {
			return nil, err
		}

		if ok {
			return value, nil
		}

		if q.board.DrainOwnerGoneCount() > 0 {
			continue
		}

		if timeout == 0 {
			return nil, xerrors.ErrEmpty
		}
	}
}

// GetNowait is Get with a zero timeout, returning ErrEmpty immediately if
// nothing is ready.
func (q *Queue) GetNowait() (any, error) {
	return q.Get(0)
}

// GetBatch fans n concurrent Get calls out across this queue, the pattern
// a pool of consumer goroutines draining the same Queue uses instead of
// looping Get serially. All n Gets run to completion; it returns every
// item they collected, and returns an error (the first one a Get reported,
// typically ErrTimeout) only when none collected anything. A partial batch
// is not an error.
func (q *Queue) GetBatch(n int, timeout time.Duration) ([]any, error) {
	if n <= 0 {
		return nil, nil
	}

	items := make([]any, n)

	var g errgroup.Group

	for i := range n {
		g.Go(func() error {
			v, err := q.Get(timeout)
			if err != nil {
				return err
			}

			items[i] = v

			return nil
		})
	}

	err := g.Wait()

	collected := items[:0]

	for _, v := range items {
		if v != nil {
			collected = append(collected, v)
		}
	}

	if err != nil && len(collected) == 0 {
		return nil, err
	}

	return collected, nil
}

// Board exposes the underlying board, for Collect()/Delete() maintenance
// and for AttachPayload when this process is not the queue's origin.
func (q *Queue) Board() *board.Board { return q.board }

// Signal exposes the underlying signal pipe, for Serialize/attach when
// handing this queue to another process.
func (q *Queue) Signal() *pipe.SimplexPipe { return q.signal }

// Close releases the queue's board and signal pipe.
func (q *Queue) Close() error {
	boardErr := q.board.Close()
	sigErr := q.signal.Close()

	if boardErr != nil {
		return boardErr
	}

	return sigErr
}
