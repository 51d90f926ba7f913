package reactor_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/internal/reactor"
	"github.com/crossheap/xinterp/xerrors"
)

func selectorPipe(t *testing.T) (r, w int) {
	t.Helper()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func TestSelectTargetFDFiresOnWrite(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	r, w := selectorPipe(t)

	var got atomic.Int32
	require.NoError(t, sel.Register(r, reactor.In, func(ready reactor.Mask) {
		got.Add(1)
	}))

	go func() {
		time.Sleep(5 * time.Millisecond)
		unix.Write(w, []byte("x"))
	}()

	ok, err := sel.Select(200*time.Millisecond, r)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), got.Load())
}

func TestSelectZeroTimeoutBusyWhenNothingReady(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	r, _ := selectorPipe(t)
	require.NoError(t, sel.Register(r, reactor.In, func(reactor.Mask) {}))

	ok, err := sel.Select(0, r)
	require.ErrorIs(t, err, xerrors.ErrResourceBusy)
	require.False(t, ok)
}

func TestSelectMultipleCallbacksOnSameFDAllFire(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	r, w := selectorPipe(t)

	var a, b atomic.Int32
	require.NoError(t, sel.Register(r, reactor.In, func(reactor.Mask) { a.Add(1) }))
	require.NoError(t, sel.Register(r, reactor.In, func(reactor.Mask) { b.Add(1) }))

	unix.Write(w, []byte("x"))

	ok, err := sel.Select(200*time.Millisecond, r)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(1), b.Load())
}

func TestSelectNoTargetFiresOnFirstReadyFDOfAny(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	r1, _ := selectorPipe(t)
	r2, w2 := selectorPipe(t)

	require.NoError(t, sel.Register(r1, reactor.In, func(reactor.Mask) {}))

	var fired atomic.Int32
	require.NoError(t, sel.Register(r2, reactor.In, func(reactor.Mask) { fired.Add(1) }))

	unix.Write(w2, []byte("y"))

	ok, err := sel.Select(200*time.Millisecond, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), fired.Load())
}

// TestSelectReentranceSuppressesOuterCallback verifies that a callback
// calling Select recursively does not cause the fd currently being
// dispatched to be invoked a second time for the same readiness edge.
func TestSelectReentranceSuppressesOuterCallback(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	outerR, outerW := selectorPipe(t)
	innerR, innerW := selectorPipe(t)

	unix.Write(outerW, []byte("o"))
	unix.Write(innerW, []byte("i"))

	var outerCalls atomic.Int32
	var once sync.Once

	require.NoError(t, sel.Register(innerR, reactor.In, func(reactor.Mask) {}))

	require.NoError(t, sel.Register(outerR, reactor.In, func(reactor.Mask) {
		outerCalls.Add(1)

		once.Do(func() {
			// Re-entrant call: outerR is still "on the stack" here, so a
			// nested round that happens to observe outerR ready again
			// must not invoke this callback a second time.
			_, _ = sel.Select(50*time.Millisecond, innerR)
		})
	}))

	ok, err := sel.Select(200*time.Millisecond, outerR)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), outerCalls.Load())
}

func TestUnregisterStopsCallback(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	r, w := selectorPipe(t)

	var calls atomic.Int32
	require.NoError(t, sel.Register(r, reactor.In, func(reactor.Mask) { calls.Add(1) }))
	sel.Unregister(r)

	unix.Write(w, []byte("x"))

	_, err = sel.Select(20*time.Millisecond, r)
	require.ErrorIs(t, err, xerrors.ErrTimeout)
	require.Equal(t, int32(0), calls.Load())
}

func TestCallbackPanicBecomesWarning(t *testing.T) {
	sel, err := reactor.New()
	require.NoError(t, err)
	defer sel.Close()

	r, w := selectorPipe(t)

	prev := reactor.Warn

	var warned atomic.Bool
	reactor.Warn = func(format string, args ...any) { warned.Store(true) }
	defer func() { reactor.Warn = prev }()

	require.NoError(t, sel.Register(r, reactor.In, func(reactor.Mask) {
		panic("boom")
	}))

	unix.Write(w, []byte("x"))

	require.NotPanics(t, func() {
		ok, err := sel.Select(200*time.Millisecond, r)
		require.NoError(t, err)
		require.True(t, ok)
	})

	require.Eventually(t, warned.Load, time.Second, time.Millisecond)
}
