// Package board implements the slot-array mailbox every Queue is built on:
// a fixed array of slots inside one shmbuf.Buffer, each claimed atomically
// by its lock byte, holding a reference to a payload kept alive in a
// separate shmbuf.Buffer.
//
// content_address in a Slot is not a raw memory pointer usable across a
// process boundary the way it is in the source (every subinterpreter there
// shares one address space): it is an origin-private anchor key. A
// consumer in another process that wants to decode a slot must already
// hold that slot's payload shmbuf.Buffer, installed via AttachPayload
// after receiving its Descriptor through whatever channel the caller (a
// Queue or a Worker) used to ship the slot notification in the first
// place. This is the Go-native reading of §9's "anchor map ... exists to
// keep payloads alive"; the asymmetry the source gets for free from a
// shared fd table has to be made explicit here.
package board

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/crossheap/xinterp/internal/atomiclock"
	"github.com/crossheap/xinterp/internal/structview"
	"github.com/crossheap/xinterp/shmbuf"
	"github.com/crossheap/xinterp/xerrors"
)

// DefaultCapacity is the default slot count, matching the source's fixed
// 2048-slot board.
const DefaultCapacity = 2048

// SlotState is a slot's lifecycle tag.
type SlotState uint8

const (
	NotInit SlotState = iota
	SlotBuilding
	SlotReady
	SlotLocked
	SlotGarbage
)

var slotLayout = structview.NewLayout(
	structview.FieldSpec{Name: "state", Kind: structview.U8},
	structview.FieldSpec{Name: "lock", Kind: structview.U8},
	structview.FieldSpec{Name: "owner", Kind: structview.U32},
	structview.FieldSpec{Name: "content_type", Kind: structview.U8},
	structview.FieldSpec{Name: "content_address", Kind: structview.U64},
	structview.FieldSpec{Name: "content_length", Kind: structview.U64},
)

// SlotSize is the fixed byte size of one Slot record.
var SlotSize = slotLayout.Size()

// Board is a LockableBoard: a fixed array of slots inside one
// shmbuf.Buffer. Anchor-map mutation (NewItem's allocation, Collect,
// Delete) is origin-only; FetchItem may run from any process that has
// separately attached the payloads it expects to decode.
type Board struct {
	mu sync.Mutex

	buf      *shmbuf.Buffer
	capacity int
	isOrigin bool

	anchors  map[int]*shmbuf.Buffer // slot index -> payload buffer
	nextAddr uint64

	ownerHandle    uint32
	liveCheck      func(owner uint32) bool
	ownerGoneCount atomic.Int64
}

// New allocates a fresh board of capacity slots on the origin side.
// liveCheck reports whether a given owner handle still names a live
// interpreter (process); FetchItem uses it to detect and reclaim slots
// whose producer has died.
func New(capacity int, ownerHandle uint32, liveCheck func(owner uint32) bool) (*Board, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	buf, err := shmbuf.New(capacity*SlotSize, shmbuf.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("board: allocate: %w", err)
	}

	if err := buf.Start(); err != nil {
		return nil, err
	}

	return &Board{
		buf:         buf,
		capacity:    capacity,
		isOrigin:    true,
		anchors:     make(map[int]*shmbuf.Buffer),
		ownerHandle: ownerHandle,
		liveCheck:   liveCheck,
	}, nil
}

func (b *Board) slotView(i int) (*structview.View, error) {
	payload, err := b.buf.Payload()
	if err != nil {
		return nil, err
	}

	return slotLayout.Attach(payload, i*SlotSize), nil
}

func (b *Board) slotLock(i int) (*atomiclock.Byte, error) {
	payload, err := b.buf.Payload()
	if err != nil {
		return nil, err
	}

	return atomiclock.At(payload, i*SlotSize+slotLayout.Offset("lock")), nil
}

// NewItem gob-encodes value, allocates a payload buffer for it, finds a
// free slot via CAS scan, fills it in, and marks it Ready. It returns the
// claimed slot index. Only the origin may post (NewItem requires an
// anchor map to register the payload in).
func (b *Board) NewItem(value any) (int, error) {
	if !b.isOrigin {
		return 0, fmt.Errorf("board: new_item is origin-only")
	}

	var enc bytes.Buffer
	if err := gob.NewEncoder(&enc).Encode(&value); err != nil {
		return 0, fmt.Errorf("board: encode item: %w", err)
	}

	payloadBuf, err := shmbuf.New(enc.Len(), shmbuf.DefaultTTL)
	if err != nil {
		return 0, err
	}

	if err := payloadBuf.Start(); err != nil {
		return 0, err
	}

	dst, err := payloadBuf.Payload()
	if err != nil {
		return 0, err
	}
	copy(dst, enc.Bytes())

	idx, err := b.claimFreeSlot()
	if err != nil {
		payloadBuf.Close()
		return 0, err
	}

	view, err := b.slotView(idx)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.nextAddr++
	addr := b.nextAddr
	b.anchors[idx] = payloadBuf
	b.mu.Unlock()

	view.SetUint32("owner", b.ownerHandle)
	view.SetUint8("content_type", 0)
	view.SetUint64("content_address", addr)
	view.SetUint64("content_length", uint64(enc.Len()))
	view.SetUint8("state", uint8(SlotReady))

	lock, err := b.slotLock(idx)
	if err != nil {
		return 0, err
	}
	lock.Release()

	return idx, nil
}

// AttachPayload lets a non-origin process register the shmbuf.Buffer it
// separately obtained for slot i's payload, so FetchItem can decode it.
func (b *Board) AttachPayload(idx int, buf *shmbuf.Buffer) {
	b.mu.Lock()
	b.anchors[idx] = buf
	b.mu.Unlock()
}

// claimFreeSlot performs the spec's linear free-slot scan: from slot 0,
// find state == NOT_INIT && lock == 0, CAS the lock; first success wins.
func (b *Board) claimFreeSlot() (int, error) {
	for i := 0; i < b.capacity; i++ {
		view, err := b.slotView(i)
		if err != nil {
			return 0, err
		}

		if SlotState(view.Uint8("state")) != NotInit {
			continue
		}

		lock, err := b.slotLock(i)
		if err != nil {
			return 0, err
		}

		if lock.TryAcquire() {
			if SlotState(view.Uint8("state")) == NotInit {
				return i, nil
			}

			lock.Release()
		}
	}

	return 0, xerrors.ErrFull
}

// FetchItem scans for a Ready slot, claims it, and returns its decoded
// value. It reports ok=false with a nil error if no Ready slot is
// currently claimable.
func (b *Board) FetchItem() (idx int, value any, ok bool, err error) {
	for i := 0; i < b.capacity; i++ {
		view, verr := b.slotView(i)
		if verr != nil {
			return 0, nil, false, verr
		}

		if SlotState(view.Uint8("state")) != SlotReady {
			continue
		}

		lock, lerr := b.slotLock(i)
		if lerr != nil {
			return 0, nil, false, lerr
		}

		if !lock.TryAcquire() {
			continue
		}

		if SlotState(view.Uint8("state")) != SlotReady {
			lock.Release()
			continue
		}

		owner := view.Uint32("owner")
		if b.liveCheck != nil && !b.liveCheck(owner) {
			view.SetUint8("state", uint8(SlotGarbage))
			lock.Release()
			b.ownerGoneCount.Add(1)
			continue
		}

		length := view.Uint64("content_length")

		v, derr := b.decodePayload(i, length)
		if derr != nil {
			view.SetUint8("state", uint8(SlotGarbage))
			lock.Release()
			return 0, nil, false, derr
		}

		view.SetUint8("state", uint8(SlotGarbage))
		lock.Release()

		return i, v, true, nil
	}

	return 0, nil, false, nil
}

func (b *Board) decodePayload(idx int, length uint64) (any, error) {
	b.mu.Lock()
	payloadBuf, ok := b.anchors[idx]
	delete(b.anchors, idx)
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("board: %w: no payload attached for slot %d", xerrors.ErrBufferNotReady, idx)
	}

	data, err := payloadBuf.Payload()
	if err != nil {
		return nil, err
	}

	var value any
	if err := gob.NewDecoder(bytes.NewReader(data[:length])).Decode(&value); err != nil {
		return nil, fmt.Errorf("board: decode item: %w", err)
	}

	payloadBuf.Close()

	return value, nil
}

// Collect is the origin-only GARBAGE sweep: it reclaims GARBAGE slots
// back to NOT_INIT and drops any remaining payload anchors, returning the
// number of slots freed.
func (b *Board) Collect() (int, error) {
	if !b.isOrigin {
		return 0, fmt.Errorf("board: collect is origin-only")
	}

	freed := 0

	for i := 0; i < b.capacity; i++ {
		view, err := b.slotView(i)
		if err != nil {
			return freed, err
		}

		if SlotState(view.Uint8("state")) != SlotGarbage {
			continue
		}

		lock, err := b.slotLock(i)
		if err != nil {
			return freed, err
		}

		if !lock.TryAcquire() {
			continue
		}

		view.SetUint8("state", uint8(NotInit))
		view.SetUint32("owner", 0)
		view.SetUint64("content_address", 0)
		view.SetUint64("content_length", 0)
		lock.Release()

		b.mu.Lock()
		if buf, ok := b.anchors[i]; ok {
			buf.Close()
			delete(b.anchors, i)
		}
		b.mu.Unlock()

		freed++
	}

	return freed, nil
}

// Delete removes slot i, failing if it is currently Locked. Origin-only.
func (b *Board) Delete(i int) error {
	if !b.isOrigin {
		return fmt.Errorf("board: delete is origin-only")
	}

	view, err := b.slotView(i)
	if err != nil {
		return err
	}

	lock, err := b.slotLock(i)
	if err != nil {
		return err
	}

	if !lock.TryAcquire() {
		return xerrors.ErrResourceBusy
	}
	defer lock.Release()

	if SlotState(view.Uint8("state")) == SlotLocked {
		return xerrors.ErrInvalidState
	}

	view.SetUint8("state", uint8(NotInit))
	view.SetUint32("owner", 0)
	view.SetUint64("content_address", 0)
	view.SetUint64("content_length", 0)

	b.mu.Lock()
	if buf, ok := b.anchors[i]; ok {
		buf.Close()
		delete(b.anchors, i)
	}
	b.mu.Unlock()

	return nil
}

// OwnerGoneCount reports how many slots FetchItem has reclaimed because
// their producing owner was no longer live. Queue.Get consumes this
// counter to keep its signal pipe's byte count aligned with the board's
// slot count.
func (b *Board) OwnerGoneCount() int64 {
	return b.ownerGoneCount.Load()
}

// DrainOwnerGoneCount atomically reads and resets the owner-gone counter,
// returning how many pending reclaims there were.
func (b *Board) DrainOwnerGoneCount() int64 {
	return b.ownerGoneCount.Swap(0)
}

// Close releases the board's backing buffer.
func (b *Board) Close() error {
	return b.buf.Close()
}
