// Package pipe implements the file-descriptor-pair signalling primitive
// shared across interpreter (here: process) boundaries: a simplex pipe for
// one-way signalling and a duplex pipe for two processes that each want to
// write to the other.
//
// Every pipe carries a small shmbuf.Buffer whose payload holds nothing but
// a u16 live-reference count, incremented on every successful attach and
// decremented on every Close; the last Close to bring the count to zero
// closes the underlying kernel fds.
package pipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/internal/reactor"
	"github.com/crossheap/xinterp/internal/structview"
	"github.com/crossheap/xinterp/shmbuf"
	"github.com/crossheap/xinterp/xerrors"
)

var refcountLayout = structview.NewLayout(
	structview.FieldSpec{Name: "refs", Kind: structview.U16},
)

var (
	idMu   sync.Mutex
	nextID uint64
)

func allocID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()

	nextID++
	return nextID
}

// registryEntry is what the process-wide FD registry keeps per live pipe,
// keyed by the pipe's stable ID rather than by raw OS fd numbers: unlike
// the source's subinterpreters, which share one process fd table, each
// "interpreter" here is its own process with its own fd numbering, so fd
// values alone cannot identify a pipe across a transfer. The ID allocID
// assigns when the pipe is created, carried in the Descriptor, is the
// stable identity instead.
type registryEntry struct {
	simplex *SimplexPipe
	duplex  *DuplexPipe
}

var (
	registryMu sync.Mutex
	registry   = map[uint64]registryEntry{}
)

// SimplexPipe is a single OS pipe: one reader, one writer, possibly in
// different processes.
type SimplexPipe struct {
	mu sync.Mutex

	id       uint64
	readFD   int
	writeFD  int
	refcount *shmbuf.Buffer
	isOrigin bool
	closed   bool
}

// Descriptor is what Serialize emits for a caller to ship elsewhere
// (typically as a worker command payload or a queue slot's anchor) and
// Deserialize/DeserializeDuplex consumes.
type Descriptor struct {
	ID        uint64
	ReadFD    int
	WriteFD   int
	RefFD     int
	RefSize   shmbuf.Descriptor
	IsDuplex  bool
	BoundNode string

	// Second pipe's fds, only populated when IsDuplex.
	ReadFD2  int
	WriteFD2 int
}

// NewSimplex creates a new simplex pipe: fds allocated on this (the
// origin) process.
func NewSimplex() (*SimplexPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("pipe: pipe2: %w", err)
	}

	ref, err := shmbuf.New(refcountLayout.Size(), shmbuf.DefaultTTL)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	if err := ref.Start(); err != nil {
		return nil, err
	}

	payload, err := ref.Payload()
	if err != nil {
		return nil, err
	}

	refcountLayout.Attach(payload, 0).SetUint16("refs", 1)

	p := &SimplexPipe{
		id:       allocID(),
		readFD:   fds[0],
		writeFD:  fds[1],
		refcount: ref,
		isOrigin: true,
	}

	registryMu.Lock()
	registry[p.id] = registryEntry{simplex: p}
	registryMu.Unlock()

	return p, nil
}

// Serialize emits a Descriptor for transfer; ReadFD/WriteFD in the
// returned value are this process's local fd numbers, the caller's
// responsibility to pass across a process boundary (via procrt.SendFD or
// exec.Cmd.ExtraFiles) alongside the Descriptor itself.
func (p *SimplexPipe) Serialize() (Descriptor, error) {
	refDesc, err := p.refcount.Serialize()
	if err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		ID:      p.id,
		ReadFD:  p.readFD,
		WriteFD: p.writeFD,
		RefFD:   int(p.refcount.FD()),
		RefSize: refDesc,
	}, nil
}

// Deserialize attaches to a simplex pipe whose fds have already landed in
// this process (readFD/writeFD are this process's local numbers for them,
// resolved by whatever transport moved the Descriptor here). If this
// process already holds a live pipe with the same ID, that object is
// returned unchanged (identity-preserving attach) and readFD/writeFD are
// closed as redundant duplicates.
func Deserialize(d Descriptor, readFD, writeFD int) (*SimplexPipe, error) {
	registryMu.Lock()
	if existing, ok := registry[d.ID]; ok && existing.simplex != nil {
		registryMu.Unlock()

		unix.Close(readFD)
		unix.Close(writeFD)
		existing.simplex.incrRef()

		return existing.simplex, nil
	}
	registryMu.Unlock()

	ref, err := shmbuf.Deserialize(d.RefFD, d.RefSize)
	if err != nil {
		return nil, err
	}

	if err := ref.Start(); err != nil {
		return nil, err
	}

	p := &SimplexPipe{
		id:       d.ID,
		readFD:   readFD,
		writeFD:  writeFD,
		refcount: ref,
		isOrigin: false,
	}

	p.incrRef()

	registryMu.Lock()
	registry[d.ID] = registryEntry{simplex: p}
	registryMu.Unlock()

	return p, nil
}

func (p *SimplexPipe) incrRef() {
	payload, err := p.refcount.Payload()
	if err != nil {
		return
	}

	lock := p.refcount.Lock()
	lock.Acquire(context.Background(), -1) //nolint:errcheck // forever-wait never errors absent cancellation
	view := refcountLayout.Attach(payload, 0)
	view.SetUint16("refs", view.Uint16("refs")+1)
	lock.Release()
}

func (p *SimplexPipe) decrRef() uint16 {
	payload, err := p.refcount.Payload()
	if err != nil {
		return 0
	}

	lock := p.refcount.Lock()
	lock.Acquire(nil, -1) //nolint:errcheck
	view := refcountLayout.Attach(payload, 0)
	n := view.Uint16("refs")
	if n > 0 {
		n--
	}
	view.SetUint16("refs", n)
	lock.Release()

	return n
}

// Select blocks until the read end is readable or timeout elapses
// (timeout < 0: forever, 0: non-blocking poll). It reports whether the
// event fired.
func (p *SimplexPipe) Select(timeout time.Duration) (bool, error) {
	err := reactor.WaitReady(p.readFD, reactor.In, timeout)
	return classifyWait(err)
}

// SelectForWrite blocks until the write end is writable or timeout
// elapses, under the same timeout convention as Select.
func (p *SimplexPipe) SelectForWrite(timeout time.Duration) (bool, error) {
	err := reactor.WaitReady(p.writeFD, reactor.Out, timeout)
	return classifyWait(err)
}

func classifyWait(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case err == xerrors.ErrTimeout || err == xerrors.ErrResourceBusy:
		return false, nil
	default:
		return false, err
	}
}

// Read performs a single non-blocking read of at most n bytes, returning
// an empty slice (not an error) if no data is currently available.
func (p *SimplexPipe) Read(n int) ([]byte, error) {
	buf := make([]byte, n)

	nr, err := unix.Read(p.readFD, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}

		return nil, fmt.Errorf("pipe: read: %w", err)
	}

	return buf[:nr], nil
}

// Send writes data atomically (a single write(2) call, which is atomic up
// to PIPE_BUF on Linux), waiting up to timeout for the write end to become
// writable.
func (p *SimplexPipe) Send(data []byte, timeout time.Duration) error {
	ready, err := p.SelectForWrite(timeout)
	if err != nil {
		return err
	}

	if !ready {
		return xerrors.ErrTimeout
	}

	n, err := unix.Write(p.writeFD, data)
	if err != nil {
		if err == unix.EPIPE {
			return xerrors.ErrBrokenChannel
		}

		return fmt.Errorf("pipe: write: %w", err)
	}

	if n != len(data) {
		return fmt.Errorf("pipe: short write: wrote %d of %d bytes", n, len(data))
	}

	return nil
}

// Close decrements the pipe's shared reference count; when it reaches
// zero the underlying fds are closed for good. Idempotent.
func (p *SimplexPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	remaining := p.decrRef()

	registryMu.Lock()
	delete(registry, p.id)
	registryMu.Unlock()

	refErr := p.refcount.Close()

	if remaining > 0 {
		return refErr
	}

	unix.Close(p.readFD)
	unix.Close(p.writeFD)

	return refErr
}

// ReadFD returns the pipe's local read-end file descriptor.
func (p *SimplexPipe) ReadFD() int { return p.readFD }

// WriteFD returns the pipe's local write-end file descriptor.
func (p *SimplexPipe) WriteFD() int { return p.writeFD }
