package xlock_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/shmbuf"
	"github.com/crossheap/xinterp/xlock"
)

// attachSameBuffer builds a second local view over the same shared region
// an existing lock uses, standing in for "another process attaching to
// the same SharedBuffer" within a single test process.
func attachSameBuffer(t *testing.T, l *xlock.IntRLock) *shmbuf.Buffer {
	t.Helper()

	desc, err := l.Buffer().Serialize()
	require.NoError(t, err)

	fd, err := unix.Dup(int(l.Buffer().FD()))
	require.NoError(t, err)

	attached, err := shmbuf.Deserialize(fd, desc)
	require.NoError(t, err)

	require.NoError(t, attached.Start())

	return attached
}
