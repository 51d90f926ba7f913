package pipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/shmbuf"
)

// DuplexPipe crosses two simplex kernel pipes so either side can write to
// the other: one pipe carries bytes from the binding process ("mine") to
// its counterpart, the other carries bytes the opposite way.
//
// Unlike SimplexPipe, which end is "read" and which is "write" depends on
// which process is asking: DeserializeDuplex swaps the two pairs when the
// attaching process is not the one that created the pipe, so pickling "my
// end" in the origin yields the counterpart automatically on the far
// side.
type DuplexPipe struct {
	mu sync.Mutex

	id uint64

	// localRead / localWrite are already oriented correctly for THIS
	// process; the other two fds in allFDs are never used locally, they are
	// kept only so Close can release both fd pairs together.
	localRead  int
	localWrite int

	allFDs [4]int // both pipes' both ends, for Close bookkeeping

	refcount  *shmbuf.Buffer
	isOrigin  bool
	boundNode string
	closed    bool
}

// NewDuplex creates a new duplex pipe pair: the creating process is the
// "bound" side.
func NewDuplex(nodeID string) (*DuplexPipe, error) {
	var a2b, b2a [2]int
	if err := unix.Pipe2(a2b[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("pipe: pipe2 a2b: %w", err)
	}

	if err := unix.Pipe2(b2a[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(a2b[0])
		unix.Close(a2b[1])
		return nil, fmt.Errorf("pipe: pipe2 b2a: %w", err)
	}

	ref, err := shmbuf.New(refcountLayout.Size(), shmbuf.DefaultTTL)
	if err != nil {
		return nil, err
	}

	if err := ref.Start(); err != nil {
		return nil, err
	}

	payload, _ := ref.Payload()
	refcountLayout.Attach(payload, 0).SetUint16("refs", 1)

	p := &DuplexPipe{
		id:         allocID(),
		localRead:  b2a[0],
		localWrite: a2b[1],
		allFDs:     [4]int{a2b[0], a2b[1], b2a[0], b2a[1]},
		refcount:   ref,
		isOrigin:   true,
		boundNode:  nodeID,
	}

	registryMu.Lock()
	registry[p.id] = registryEntry{duplex: p}
	registryMu.Unlock()

	return p, nil
}

// Serialize emits a Descriptor. ReadFD/WriteFD carry the a2b pipe's ends
// and ReadFD2/WriteFD2 carry b2a's, in the orientation the origin process
// used to build them; DeserializeDuplex does the swap, not Serialize.
func (p *DuplexPipe) Serialize() (Descriptor, error) {
	refDesc, err := p.refcount.Serialize()
	if err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		ID:        p.id,
		ReadFD:    p.allFDs[0], // a2b read
		WriteFD:   p.allFDs[1], // a2b write
		ReadFD2:   p.allFDs[2], // b2a read
		WriteFD2:  p.allFDs[3], // b2a write
		RefFD:     int(p.refcount.FD()),
		RefSize:   refDesc,
		IsDuplex:  true,
		BoundNode: p.boundNode,
	}, nil
}

// DeserializeDuplex attaches to a duplex pipe whose four fds have already
// landed in this process, at the local numbers given in fds (indices
// matching Descriptor's ReadFD/WriteFD/ReadFD2/WriteFD2 order). currentNode
// identifies the attaching process; if it differs from d.BoundNode the two
// pipes swap roles, so "my end" on the origin becomes "the counterpart" here.
// An object already registered for d.ID is returned (and fds closed) only
// when its orientation matches the one currentNode asks for.
func DeserializeDuplex(d Descriptor, fds [4]int, currentNode string) (*DuplexPipe, error) {
	registryMu.Lock()
	wantCounterpart := currentNode != d.BoundNode
	if existing, ok := registry[d.ID]; ok && existing.duplex != nil &&
		(existing.duplex.localRead == existing.duplex.allFDs[0]) == wantCounterpart {
		registryMu.Unlock()

		for _, fd := range fds {
			unix.Close(fd)
		}

		existing.duplex.incrRef()

		return existing.duplex, nil
	}
	registryMu.Unlock()

	ref, err := shmbuf.Deserialize(d.RefFD, d.RefSize)
	if err != nil {
		return nil, err
	}

	if err := ref.Start(); err != nil {
		return nil, err
	}

	p := &DuplexPipe{
		id:        d.ID,
		allFDs:    fds,
		refcount:  ref,
		isOrigin:  false,
		boundNode: d.BoundNode,
	}

	if currentNode == d.BoundNode {
		// Same role as the creator: read what they read, write what they wrote.
		p.localRead = fds[2]  // b2a read
		p.localWrite = fds[1] // a2b write
	} else {
		// Counterpart: swap ends.
		p.localRead = fds[0]  // a2b read
		p.localWrite = fds[3] // b2a write
	}

	p.incrRef()

	registryMu.Lock()
	registry[d.ID] = registryEntry{duplex: p}
	registryMu.Unlock()

	return p, nil
}

func (p *DuplexPipe) incrRef() {
	payload, err := p.refcount.Payload()
	if err != nil {
		return
	}

	lock := p.refcount.Lock()
	lock.Acquire(context.Background(), -1) //nolint:errcheck
	view := refcountLayout.Attach(payload, 0)
	view.SetUint16("refs", view.Uint16("refs")+1)
	lock.Release()
}

func (p *DuplexPipe) decrRef() uint16 {
	payload, err := p.refcount.Payload()
	if err != nil {
		return 0
	}

	lock := p.refcount.Lock()
	lock.Acquire(context.Background(), -1) //nolint:errcheck
	view := refcountLayout.Attach(payload, 0)
	n := view.Uint16("refs")
	if n > 0 {
		n--
	}
	view.SetUint16("refs", n)
	lock.Release()

	return n
}

// Select blocks until the local read end is readable, per SimplexPipe's
// timeout convention.
func (p *DuplexPipe) Select(timeout time.Duration) (bool, error) {
	return (&SimplexPipe{readFD: p.localRead}).Select(timeout)
}

// Read performs a non-blocking read of at most n bytes.
func (p *DuplexPipe) Read(n int) ([]byte, error) {
	return (&SimplexPipe{readFD: p.localRead}).Read(n)
}

// Send writes data to the local write end, waiting up to timeout for it
// to become writable.
func (p *DuplexPipe) Send(data []byte, timeout time.Duration) error {
	return (&SimplexPipe{writeFD: p.localWrite}).Send(data, timeout)
}

// Close decrements the pipe's shared reference count, closing all four
// underlying fds once it reaches zero. Idempotent.
func (p *DuplexPipe) Close() error {
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

	for _, fd := range p.allFDs {
		unix.Close(fd)
	}

	return refErr
}
