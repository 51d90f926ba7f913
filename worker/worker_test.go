package worker_test

import (
	"encoding/binary"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossheap/xinterp/internal/procrt"
	"github.com/crossheap/xinterp/worker"
	"github.com/crossheap/xinterp/xerrors"
)

func TestMain(m *testing.M) {
	registerTestCallables()

	if procrt.IsReexec() {
		procrt.Main(worker.Dispatch)
		return
	}

	os.Exit(m.Run())
}

func registerTestCallables() {
	worker.Register("cos", func(args []byte) ([]byte, error) {
		x := math.Float64frombits(binary.LittleEndian.Uint64(args))
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, math.Float64bits(math.Cos(x)))
		return out, nil
	})

	worker.Register("upper", func(args []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(args))), nil
	})

	worker.Register("boom", func(args []byte) ([]byte, error) {
		return nil, errBoom
	})
}

type boomError struct{}

func (boomError) Error() string { return "deliberate failure" }

var errBoom = boomError{}

func float64Bytes(x float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	return b
}

func TestWorkerRunCos(t *testing.T) {
	w, err := worker.Start()
	require.NoError(t, err)
	defer w.Close()

	out, err := w.Run("cos", float64Bytes(0.0))
	require.NoError(t, err)
	require.InDelta(t, 1.0, math.Float64frombits(binary.LittleEndian.Uint64(out)), 1e-9)
}

func TestWorkerRunUnknownCallableFails(t *testing.T) {
	w, err := worker.Start()
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Run("does-not-exist", nil)
	require.Error(t, err)
}

func TestWorkerRunPropagatesChildError(t *testing.T) {
	w, err := worker.Start()
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Run("boom", nil)
	require.ErrorIs(t, err, xerrors.ErrChildFailure)
}

func TestWorkerRunInThreadAndJoin(t *testing.T) {
	w, err := worker.Start()
	require.NoError(t, err)
	defer w.Close()

	w.RunInThread("upper", []byte("hello"))

	require.NoError(t, w.Join(2*time.Second))
	require.True(t, w.Done())

	out, err := w.Result()
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(out))
}

func TestWorkerCloseIsIdempotentAfterSuccess(t *testing.T) {
	w, err := worker.Start()
	require.NoError(t, err)

	_, err = w.Run("upper", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
