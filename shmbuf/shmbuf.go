// Package shmbuf implements the cross-process shared byte region every
// other public package in this module is built on: a region allocated by
// one process (its origin), exposed to others by file descriptor plus
// size, protected by a single lock byte in its own header, reference
// counted without a shared garbage collector, and torn down safely even
// when a consumer never attaches or dies mid-use.
package shmbuf

import (
	"fmt"
	"sync"
	"time"

	"github.com/crossheap/xinterp/internal/atomiclock"
	"github.com/crossheap/xinterp/internal/shm"
	"github.com/crossheap/xinterp/internal/structview"
	"github.com/crossheap/xinterp/xerrors"
)

// State is the buffer's lifecycle tag. States form the monotone path
// Building -> Ready -> Serialized <-> Received -> Garbage.
type State uint8

const (
	Building State = iota
	Ready
	Serialized
	Received
	Garbage
)

func (s State) String() string {
	switch s {
	case Building:
		return "BUILDING"
	case Ready:
		return "READY"
	case Serialized:
		return "SERIALIZED"
	case Received:
		return "RECEIVED"
	case Garbage:
		return "GARBAGE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// DefaultTTL bounds how long an origin keeps a buffer pinned for a
// consumer that promised to attach but never did.
const DefaultTTL = time.Hour

var headerLayout = structview.NewLayout(
	structview.FieldSpec{Name: "lock", Kind: structview.U8},
	structview.FieldSpec{Name: "state", Kind: structview.U8},
	structview.FieldSpec{Name: "enter_count", Kind: structview.U24},
	structview.FieldSpec{Name: "exit_count", Kind: structview.U24},
)

// HeaderSize is the fixed size of the StructView header prepended to every
// buffer's payload.
var HeaderSize = headerLayout.Size()

// Descriptor is what Serialize emits and Deserialize consumes: everything
// a consumer needs to attach to an already-allocated region, carried over
// whatever channel a caller uses to hand it across.
type Descriptor struct {
	FD        int
	Size      int
	TTL       time.Duration
	Timestamp time.Time
}

// Buffer is a live handle onto a shared region, either as its origin or as
// a consumer that has attached to it.
type Buffer struct {
	mu sync.Mutex

	region *shm.Region
	header *structview.View
	lock   *atomiclock.Byte
	size   int // payload size, excluding the header

	isOrigin bool
	ttl      time.Duration

	serializedAt time.Time
	dataReady    bool // local data_state: true once this view may read/write
	released     bool // origin: region already unmapped
}

// New allocates a fresh region of size n payload bytes plus the header, on
// the origin side, in state Building.
func New(n int, ttl time.Duration) (*Buffer, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	region, err := shm.Create("xinterp-shmbuf", n+HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("shmbuf: create region: %w", err)
	}

	header := headerLayout.Attach(region.Bytes(), 0)
	header.SetUint8("state", uint8(Building))

	b := &Buffer{
		region:    region,
		header:    header,
		lock:      atomiclock.At(region.Bytes(), headerLayout.Offset("lock")),
		size:      n,
		isOrigin:  true,
		ttl:       ttl,
		dataReady: false,
	}

	return b, nil
}

// Start transitions the buffer into a usable state.
//
// On the origin it moves Building -> Ready. On a consumer (a Buffer built
// by Deserialize) it verifies the TTL has not expired, locks the header,
// verifies the buffer is Serialized or Received, transitions to Received,
// and increments enter_count.
func (b *Buffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isOrigin {
		if State(b.header.Uint8("state")) != Building {
			return xerrors.ErrInvalidState
		}

		b.header.SetUint8("state", uint8(Ready))
		b.dataReady = true
		return nil
	}

	if !b.serializedAt.IsZero() && time.Since(b.serializedAt) > b.ttl {
		return xerrors.ErrTTLExceeded
	}

	if !b.lock.TryAcquire() {
		// Header mutation is expected to be uncontended at attach time; a
		// single failed CAS here means another consumer is mid-attach.
		return xerrors.ErrResourceBusy
	}
	defer b.lock.Release()

	state := State(b.header.Uint8("state"))
	if state != Serialized && state != Received {
		return xerrors.ErrInvalidState
	}

	b.header.SetUint8("state", uint8(Received))
	b.header.SetUint24("enter_count", b.header.Uint24("enter_count")+1)
	b.dataReady = true

	return nil
}

// Serialize marks the buffer Serialized, stamps a timestamp, and returns a
// Descriptor a consumer can Deserialize elsewhere (in another process,
// having received the fd via SCM_RIGHTS or ExtraFiles inheritance).
func (b *Buffer) Serialize() (Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isOrigin {
		return Descriptor{}, fmt.Errorf("shmbuf: only the origin may serialize")
	}

	b.header.SetUint8("state", uint8(Serialized))
	now := time.Now()
	b.serializedAt = now

	return Descriptor{
		FD:        int(b.region.FD()),
		Size:      b.size,
		TTL:       b.ttl,
		Timestamp: now,
	}, nil
}

// Deserialize attaches to a region whose fd was already made available in
// this process (by ExtraFiles inheritance or by RecvFD over a control
// channel). The returned Buffer stays in state Serialized until Start is
// called.
func Deserialize(fd int, d Descriptor) (*Buffer, error) {
	region, err := shm.Attach(fd, d.Size+HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("shmbuf: attach region: %w", err)
	}

	header := headerLayout.Attach(region.Bytes(), 0)

	b := &Buffer{
		region:       region,
		header:       header,
		lock:         atomiclock.At(region.Bytes(), headerLayout.Offset("lock")),
		size:         d.Size,
		isOrigin:     false,
		ttl:          d.TTL,
		serializedAt: d.Timestamp,
	}

	return b, nil
}

// Payload returns the buffer's payload span (the region excluding the
// header). It fails BufferNotReady unless the buffer has been started and
// not yet closed.
func (b *Buffer) Payload() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dataReady {
		return nil, xerrors.ErrBufferNotReady
	}

	return b.region.Bytes()[HeaderSize:], nil
}

// Lock returns the buffer's header lock byte, for building higher-level
// structures (xlock) directly on top of a buffer's payload.
func (b *Buffer) Lock() *atomiclock.Byte { return b.lock }

// State reports the buffer's current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return Garbage
	}

	return State(b.header.Uint8("state"))
}

// FD returns the region's file descriptor, for handing to procrt.SendFD or
// exec.Cmd.ExtraFiles.
func (b *Buffer) FD() uintptr { return b.region.FD() }

// Size returns the payload size in bytes (excluding the header).
func (b *Buffer) Size() int { return b.size }

// Close releases the buffer.
//
// On a consumer: increments exit_count and drops the local view. On the
// origin: if the buffer was never serialized, or its TTL has expired and
// enter_count == exit_count, it is marked Garbage and released; otherwise
// it is moved into the process-wide limbo registry for the sweeper to
// retry later. Double-close on the origin is a no-op.
func (b *Buffer) Close() error {
	b.mu.Lock()

	if !b.isOrigin {
		if !b.dataReady {
			b.mu.Unlock()
			return nil
		}

		b.dataReady = false

		if b.lock.TryAcquire() {
			b.header.SetUint24("exit_count", b.header.Uint24("exit_count")+1)
			b.lock.Release()
		}

		region := b.region
		b.mu.Unlock()

		return region.Close()
	}

	if b.released {
		b.mu.Unlock()
		return nil
	}

	state := State(b.header.Uint8("state"))
	if state == Garbage {
		b.mu.Unlock()
		return nil
	}

	neverSerialized := state == Building || state == Ready
	ttlExpired := !b.serializedAt.IsZero() && time.Since(b.serializedAt) > b.ttl
	drained := b.header.Uint24("enter_count") <= b.header.Uint24("exit_count")

	if neverSerialized || (ttlExpired && drained) {
		b.header.SetUint8("state", uint8(Garbage))
		b.released = true
		b.dataReady = false
		region := b.region
		b.mu.Unlock()

		return region.Close()
	}

	b.mu.Unlock()
	limbo.add(b)

	return nil
}

// tryReclaim is invoked by the limbo sweeper. It reports whether the
// buffer could now be closed for good.
func (b *Buffer) tryReclaim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return true
	}

	state := State(b.header.Uint8("state"))
	if state == Garbage {
		return true
	}

	ttlExpired := !b.serializedAt.IsZero() && time.Since(b.serializedAt) > b.ttl
	drained := b.header.Uint24("enter_count") <= b.header.Uint24("exit_count")

	if !(ttlExpired && drained) {
		return false
	}

	b.header.SetUint8("state", uint8(Garbage))
	b.released = true
	b.dataReady = false
	b.region.Close()

	return true
}
