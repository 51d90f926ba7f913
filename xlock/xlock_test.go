package xlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossheap/xinterp/xerrors"
	"github.com/crossheap/xinterp/xlock"
)

func TestIntRLockNestedAcquireSameView(t *testing.T) {
	l, err := xlock.New()
	require.NoError(t, err)
	defer l.Close()

	ok, err := l.Acquire(context.Background(), true, -1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), true, -1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, l.Locked())

	l.Release()
	require.True(t, l.Locked()) // still held: outer nesting level remains

	l.Release()
	require.False(t, l.Locked())
}

func TestIntRLockNonBlockingContention(t *testing.T) {
	a, err := xlock.New()
	require.NoError(t, err)
	defer a.Close()

	ok, err := a.Acquire(context.Background(), false, 0)
	require.NoError(t, err)
	require.True(t, ok)

	b := xlock.Attach(attachSameBuffer(t, a))

	ok, err = b.Acquire(context.Background(), false, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	l, err := xlock.New()
	require.NoError(t, err)
	defer l.Close()

	require.NotPanics(t, func() {
		l.Release()
	})
}

func TestLockBlocksSecondAcquireEvenSameCaller(t *testing.T) {
	l, err := xlock.NewLock()
	require.NoError(t, err)
	defer l.Close()

	ok, err := l.Acquire(context.Background(), false, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), false, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRLockReentrantForSameOwnerToken(t *testing.T) {
	l, err := xlock.NewRLock()
	require.NoError(t, err)
	defer l.Close()

	owner := "worker-1"

	ok, err := l.Acquire(context.Background(), owner, true, -1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), owner, true, -1)
	require.NoError(t, err)
	require.True(t, ok)

	l.Release()
	require.True(t, l.Locked())
	l.Release()
	require.False(t, l.Locked())
}

func TestRLockDifferentOwnerBlocks(t *testing.T) {
	l, err := xlock.NewRLock()
	require.NoError(t, err)
	defer l.Close()

	ok, err := l.Acquire(context.Background(), "owner-a", true, -1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), "owner-b", false, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWithTimeoutAppliesOnceThenReverts(t *testing.T) {
	l, err := xlock.New()
	require.NoError(t, err)
	defer l.Close()

	ok, err := l.Acquire(context.Background(), true, -1)
	require.NoError(t, err)
	require.True(t, ok)

	other := xlock.Attach(attachSameBuffer(t, l))

	start := time.Now()
	_, err = other.WithTimeout(20 * time.Millisecond).Acquire(context.Background(), true, time.Hour)
	require.ErrorIs(t, err, xerrors.ErrTimeout)
	require.Less(t, time.Since(start), time.Hour)
}
