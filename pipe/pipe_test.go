package pipe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/pipe"
)

func TestSimplexSendAndRead(t *testing.T) {
	p, err := pipe.NewSimplex()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Send([]byte("hello"), time.Second))

	ready, err := p.Select(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	got, err := p.Read(16)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestSimplexReadWithNoDataReturnsEmpty(t *testing.T) {
	p, err := pipe.NewSimplex()
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Read(16)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSimplexSelectTimesOutWithNoWriter(t *testing.T) {
	p, err := pipe.NewSimplex()
	require.NoError(t, err)
	defer p.Close()

	ready, err := p.Select(20 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestSimplexDeserializeDedupesIdenticalID(t *testing.T) {
	p, err := pipe.NewSimplex()
	require.NoError(t, err)
	defer p.Close()

	desc, err := p.Serialize()
	require.NoError(t, err)

	readDup, err := unix.Dup(p.ReadFD())
	require.NoError(t, err)
	writeDup, err := unix.Dup(p.WriteFD())
	require.NoError(t, err)

	attached, err := pipe.Deserialize(desc, readDup, writeDup)
	require.NoError(t, err)

	attachedAgain, err := pipe.Deserialize(desc, -1, -1)
	require.NoError(t, err)

	require.Same(t, attached, attachedAgain)
}

func TestDuplexCounterpartSwapsEnds(t *testing.T) {
	p, err := pipe.NewDuplex("node-a")
	require.NoError(t, err)
	defer p.Close()

	desc, err := p.Serialize()
	require.NoError(t, err)

	fds := [4]int{desc.ReadFD, desc.WriteFD, desc.ReadFD2, desc.WriteFD2}
	for i, fd := range fds {
		dup, err := unix.Dup(fd)
		require.NoError(t, err)
		fds[i] = dup
	}

	counterpart, err := pipe.DeserializeDuplex(desc, fds, "node-b")
	require.NoError(t, err)
	defer counterpart.Close()

	require.NoError(t, p.Send([]byte("ping"), time.Second))

	ready, err := counterpart.Select(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	got, err := counterpart.Read(16)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
}
