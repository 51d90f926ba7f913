// Package model provides a deliberately simple, in-memory reference model
// of board.Board's observable slot lifecycle.
//
// This is NOT a reference implementation of the real board: it has no
// shared memory, no atomic CAS locking, and no payload serialization. It
// exists purely as a test oracle for property-based testing, tracking
// slot states (NotInit/Building/Ready/Locked/Garbage) under the same
// operations a real board accepts, so randomized sequences can be checked
// against both and any divergence caught.
package model

// SlotState mirrors board.SlotState without importing the board package,
// keeping this model usable from board's own tests without a cycle.
type SlotState uint8

const (
	NotInit SlotState = iota
	Building
	Ready
	Locked
	Garbage
)

// Board is the reference model: a fixed-size array of slot states plus an
// owner tag per occupied slot.
type Board struct {
	slots  []SlotState
	owners []uint32
}

// New creates a model board with capacity slots, all NotInit.
func New(capacity int) *Board {
	return &Board{
		slots:  make([]SlotState, capacity),
		owners: make([]uint32, capacity),
	}
}

// NewItem claims the first NotInit slot, moving it straight to Ready (the
// model collapses Building into the same step since it never observes a
// partially-written slot). A Garbage slot is not eligible until Collect
// reclaims it, matching the real board's claimFreeSlot scan. Returns -1 if
// no slot is NotInit.
func (b *Board) NewItem(owner uint32) int {
	for i, s := range b.slots {
		if s == NotInit {
			b.slots[i] = Ready
			b.owners[i] = owner
			return i
		}
	}

	return -1
}

// FetchItem claims the lowest-index Ready slot, moving it to Garbage, and
// reports its index and owner. ok is false if nothing is Ready.
func (b *Board) FetchItem() (idx int, owner uint32, ok bool) {
	for i, s := range b.slots {
		if s == Ready {
			b.slots[i] = Garbage
			return i, b.owners[i], true
		}
	}

	return 0, 0, false
}

// Delete removes a non-Locked slot, reverting it to NotInit. Reports
// whether the slot was eligible.
func (b *Board) Delete(idx int) bool {
	if b.slots[idx] == Locked {
		return false
	}

	b.slots[idx] = NotInit
	b.owners[idx] = 0

	return true
}

// Collect reverts every Garbage slot to NotInit and returns the count
// freed, mirroring board.Board.Collect's return value.
func (b *Board) Collect() int {
	freed := 0

	for i, s := range b.slots {
		if s == Garbage {
			b.slots[i] = NotInit
			b.owners[i] = 0

			freed++
		}
	}

	return freed
}

// State returns the current state of slot idx.
func (b *Board) State(idx int) SlotState { return b.slots[idx] }

// Len returns the slot capacity.
func (b *Board) Len() int { return len(b.slots) }
