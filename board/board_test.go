package board_test

import (
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossheap/xinterp/board"
	"github.com/crossheap/xinterp/xerrors"
)

func init() {
	gob.Register([]int{})
	gob.Register("")
	gob.Register(0)
}

func alwaysLive(uint32) bool { return true }

func TestNewItemThenFetchItemRoundTrips(t *testing.T) {
	b, err := board.New(8, 1, alwaysLive)
	require.NoError(t, err)
	defer b.Close()

	idx, err := b.NewItem([]int{1, 2, 3})
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, 0)

	gotIdx, value, ok, err := b.FetchItem()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, idx, gotIdx)
	require.Equal(t, []int{1, 2, 3}, value)
}

func TestFetchItemEmptyBoardReturnsNotOK(t *testing.T) {
	b, err := board.New(4, 1, alwaysLive)
	require.NoError(t, err)
	defer b.Close()

	_, _, ok, err := b.FetchItem()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFetchItemSkipsDeadOwnerAndCountsIt(t *testing.T) {
	neverLive := func(uint32) bool { return false }

	b, err := board.New(4, 1, neverLive)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.NewItem("orphaned")
	require.NoError(t, err)

	_, _, ok, err := b.FetchItem()
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 1, b.OwnerGoneCount())
}

func TestCollectReclaimsGarbageSlots(t *testing.T) {
	b, err := board.New(4, 1, alwaysLive)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.NewItem("a")
	require.NoError(t, err)

	_, _, ok, err := b.FetchItem()
	require.NoError(t, err)
	require.True(t, ok)

	freed, err := b.Collect()
	require.NoError(t, err)
	require.Equal(t, 1, freed)

	// A freed slot should be reusable.
	idx, err := b.NewItem("b")
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, 0)
}

func TestFullBoardReturnsErrFull(t *testing.T) {
	b, err := board.New(2, 1, alwaysLive)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.NewItem("a")
	require.NoError(t, err)
	_, err = b.NewItem("b")
	require.NoError(t, err)

	_, err = b.NewItem("c")
	require.ErrorIs(t, err, xerrors.ErrFull)
}

func TestDeleteRemovesNotLockedSlot(t *testing.T) {
	b, err := board.New(4, 1, alwaysLive)
	require.NoError(t, err)
	defer b.Close()

	idx, err := b.NewItem("a")
	require.NoError(t, err)

	require.NoError(t, b.Delete(idx))

	_, _, ok, err := b.FetchItem()
	require.NoError(t, err)
	require.False(t, ok)
}
