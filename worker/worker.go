package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crossheap/xinterp/internal/procrt"
	"github.com/crossheap/xinterp/xerrors"
)

// CommandRegionSize is the fixed size of a worker buffer's command region.
const CommandRegionSize = 4096

// DefaultBufferSize is the total per-call budget a worker's send limit is
// derived from: CommandRegionSize is reserved out of it and Run accepts
// args up to 80% of the remainder. No shared buffer of this size is
// allocated.
const DefaultBufferSize = 1 << 20 // 1 MiB

// stabilizeQuanta bounds how long Close waits for a still-executing
// synchronous Run to finish before giving up and reporting
// ErrInterpreterBusy, expressed in multiples of atomiclock.SchedQuantum
// the way the source's "~10 scheduling quanta" stabilization wait is.
const stabilizeQuanta = 10

// Worker wraps a subordinate interpreter (a procrt.Interpreter) dedicated
// to running registered callables dispatched via RunSource's fixed
// protocol.
type Worker struct {
	mu sync.Mutex

	interp    *procrt.Interpreter
	executing bool

	asyncMu     sync.Mutex
	asyncDone   bool
	asyncResult []byte
	asyncErr    error
}

// callEnvelope is what Run sends to the child: the registered callable's
// name plus its gob-encoded argument payload.
type callEnvelope struct {
	Name string
	Args []byte
}

var (
	liveMu sync.Mutex
	live   = map[*Worker]struct{}{}
)

// Start spawns the child process and returns without waiting for any
// handshake over its control channel. The child's dispatch loop is
// procrt.Main wired to Dispatch in this package (see xinterp.Main).
func Start() (*Worker, error) {
	interp, err := procrt.Spawn()
	if err != nil {
		return nil, fmt.Errorf("worker: start: %w", err)
	}

	w := &Worker{interp: interp}

	liveMu.Lock()
	live[w] = struct{}{}
	liveMu.Unlock()

	return w, nil
}

// Active returns every worker started in this process that has not yet
// been Closed. xinterp's exit hook uses this to attempt an orderly
// shutdown of every outstanding worker before the main interpreter exits.
func Active() []*Worker {
	liveMu.Lock()
	defer liveMu.Unlock()

	out := make([]*Worker, 0, len(live))
	for w := range live {
		out = append(out, w)
	}

	return out
}

// sendRegionSize is the space left after the command region; Run rejects
// args longer than 80% of it with PayloadTooLarge, standing in for the
// source's dedicated "send region" of the worker's SharedBuffer: here the
// control channel is a byte stream rather than a fixed-size mapped region,
// but the limit keeps a caller from silently growing a worker's memory
// footprint without bound. The encoded envelope itself is not measured.
const sendRegionSize = DefaultBufferSize - CommandRegionSize

// Run synchronously dispatches name(args) in the child and returns its
// result.
func (w *Worker) Run(name string, args []byte) ([]byte, error) {
	if len(args) > sendRegionSize*8/10 {
		return nil, xerrors.ErrPayloadTooLarge
	}

	w.mu.Lock()
	w.executing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.executing = false
		w.mu.Unlock()
	}()

	payload, err := encodeCall(name, args)
	if err != nil {
		return nil, err
	}

	out, err := w.interp.RunSource("call", payload)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// RunInThread starts name(args) on a background goroutine (the Go
// substitute for the source's dedicated OS thread) and returns
// immediately; Done/Join/Result observe its outcome.
func (w *Worker) RunInThread(name string, args []byte) {
	w.asyncMu.Lock()
	w.asyncDone = false
	w.asyncResult = nil
	w.asyncErr = nil
	w.asyncMu.Unlock()

	go func() {
		result, err := w.Run(name, args)

		w.asyncMu.Lock()
		w.asyncDone = true
		w.asyncResult = result
		w.asyncErr = err
		w.asyncMu.Unlock()
	}()
}

// Done reports whether the most recent RunInThread call has finished.
func (w *Worker) Done() bool {
	w.asyncMu.Lock()
	defer w.asyncMu.Unlock()

	return w.asyncDone
}

// Join blocks until the most recent RunInThread call finishes or timeout
// elapses (timeout < 0: forever).
func (w *Worker) Join(timeout time.Duration) error {
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if w.Done() {
			return nil
		}

		if timeout >= 0 && time.Now().After(deadline) {
			return xerrors.ErrTimeout
		}

		time.Sleep(time.Millisecond)
	}
}

// Result returns the outcome of the most recent RunInThread call. It must
// be called after Done reports true.
func (w *Worker) Result() ([]byte, error) {
	w.asyncMu.Lock()
	defer w.asyncMu.Unlock()

	return w.asyncResult, w.asyncErr
}

// Close waits up to stabilizeQuanta scheduling quanta for an in-flight
// synchronous Run to finish; if the child is still executing it aborts
// with ErrInterpreterBusy and the worker remains usable (the caller must
// Join first). Otherwise it destroys the child process.
func (w *Worker) Close() error {
	op := func() (struct{}, error) {
		w.mu.Lock()
		busy := w.executing
		w.mu.Unlock()

		if busy {
			return struct{}{}, errStillExecuting
		}

		return struct{}{}, nil
	}

	_, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewConstantBackOff(schedQuantum)),
		backoff.WithMaxElapsedTime(stabilizeQuanta*schedQuantum),
	)
	if err != nil {
		return xerrors.ErrInterpreterBusy
	}

	if err := w.interp.Destroy(); err != nil {
		return err
	}

	liveMu.Lock()
	delete(live, w)
	liveMu.Unlock()

	return nil
}

// Handle returns the underlying interpreter's opaque handle, for
// list_all()/get_current()-style introspection.
func (w *Worker) Handle() string { return w.interp.Handle }
