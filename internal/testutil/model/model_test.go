package model_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossheap/xinterp/internal/testutil/model"
)

func TestNewItemSkipsGarbageUntilCollect(t *testing.T) {
	b := model.New(2)

	idx := b.NewItem(1)
	require.Equal(t, 0, idx)

	_, _, ok := b.FetchItem()
	require.True(t, ok)
	require.Equal(t, model.Garbage, b.State(0))

	require.Equal(t, 1, b.NewItem(1))

	require.Equal(t, -1, b.NewItem(1), "no NotInit slot left until Collect runs")

	require.Equal(t, 1, b.Collect())
	require.Equal(t, model.NotInit, b.State(0))

	require.Equal(t, 0, b.NewItem(1))
}

func TestDeleteRevertsReadySlot(t *testing.T) {
	b := model.New(1)
	b.NewItem(1)

	ok := b.Delete(0)
	require.True(t, ok)
	require.Equal(t, model.NotInit, b.State(0))
}
