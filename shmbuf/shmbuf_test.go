package shmbuf_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/shmbuf"
	"github.com/crossheap/xinterp/xerrors"
)

func dupFD(t *testing.T, fd uintptr) int {
	t.Helper()

	dup, err := unix.Dup(int(fd))
	require.NoError(t, err)

	return dup
}

func TestOriginLifecycleBuildingToReady(t *testing.T) {
	b, err := shmbuf.New(64, time.Hour)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, shmbuf.Building, b.State())
	require.NoError(t, b.Start())
	require.Equal(t, shmbuf.Ready, b.State())
}

func TestDoubleStartOnOriginFails(t *testing.T) {
	b, err := shmbuf.New(64, time.Hour)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Start())
	require.ErrorIs(t, b.Start(), xerrors.ErrInvalidState)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	origin, err := shmbuf.New(128, time.Hour)
	require.NoError(t, err)
	require.NoError(t, origin.Start())

	payload, err := origin.Payload()
	require.NoError(t, err)
	copy(payload, []byte("hello shared world"))

	desc, err := origin.Serialize()
	require.NoError(t, err)

	fd := dupFD(t, origin.FD())
	consumer, err := shmbuf.Deserialize(fd, desc)
	require.NoError(t, err)

	require.NoError(t, consumer.Start())

	consumerPayload, err := consumer.Payload()
	require.NoError(t, err)
	require.Equal(t, "hello shared world", string(consumerPayload[:len("hello shared world")]))

	require.NoError(t, consumer.Close())
	require.NoError(t, origin.Close())
}

func TestPayloadBeforeStartFails(t *testing.T) {
	origin, err := shmbuf.New(32, time.Hour)
	require.NoError(t, err)
	defer origin.Close()

	desc, err := origin.Serialize()
	require.NoError(t, err)

	fd := dupFD(t, origin.FD())
	consumer, err := shmbuf.Deserialize(fd, desc)
	require.NoError(t, err)
	defer consumer.Close()

	_, err = consumer.Payload()
	require.ErrorIs(t, err, xerrors.ErrBufferNotReady)
}

func TestConsumerStartAfterTTLExpiredFails(t *testing.T) {
	origin, err := shmbuf.New(16, 20*time.Millisecond)
	require.NoError(t, err)
	defer origin.Close()

	desc, err := origin.Serialize()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	fd := dupFD(t, origin.FD())
	consumer, err := shmbuf.Deserialize(fd, desc)
	require.NoError(t, err)

	err = consumer.Start()
	require.ErrorIs(t, err, xerrors.ErrTTLExceeded)
}

func TestOriginCloseNeverSerializedIsImmediate(t *testing.T) {
	origin, err := shmbuf.New(16, time.Hour)
	require.NoError(t, err)

	require.NoError(t, origin.Close())
	require.Equal(t, shmbuf.Garbage, origin.State())
}

func TestOriginDoubleCloseIsNoop(t *testing.T) {
	origin, err := shmbuf.New(16, time.Hour)
	require.NoError(t, err)

	require.NoError(t, origin.Close())
	require.NoError(t, origin.Close())
}

func TestConsumerCloseIsIdempotent(t *testing.T) {
	origin, err := shmbuf.New(16, time.Hour)
	require.NoError(t, err)
	require.NoError(t, origin.Start())
	defer origin.Close()

	desc, err := origin.Serialize()
	require.NoError(t, err)

	fd := dupFD(t, origin.FD())
	consumer, err := shmbuf.Deserialize(fd, desc)
	require.NoError(t, err)
	require.NoError(t, consumer.Start())

	require.NoError(t, consumer.Close())
	require.NoError(t, consumer.Close())
}

func TestOriginCloseWithUnattachedConsumerGoesToLimbo(t *testing.T) {
	origin, err := shmbuf.New(16, time.Hour)
	require.NoError(t, err)
	require.NoError(t, origin.Start())

	_, err = origin.Serialize()
	require.NoError(t, err)

	before := shmbuf.LimboLen()
	require.NoError(t, origin.Close())
	require.Greater(t, shmbuf.LimboLen(), before)
}
