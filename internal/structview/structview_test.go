package structview_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/crossheap/xinterp/internal/structview"
)

func headerLayout() *structview.Layout {
	return structview.NewLayout(
		structview.FieldSpec{Name: "lock", Kind: structview.U8},
		structview.FieldSpec{Name: "state", Kind: structview.U8},
		structview.FieldSpec{Name: "enter_count", Kind: structview.U24},
		structview.FieldSpec{Name: "exit_count", Kind: structview.U24},
	)
}

func TestLayoutOffsetsAreDeclarationOrder(t *testing.T) {
	l := headerLayout()

	require.Equal(t, 0, l.Offset("lock"))
	require.Equal(t, 1, l.Offset("state"))
	require.Equal(t, 2, l.Offset("enter_count"))
	require.Equal(t, 5, l.Offset("exit_count"))
	require.Equal(t, 8, l.Size())
}

func TestViewRoundTripsFields(t *testing.T) {
	l := headerLayout()
	v := l.New()

	v.SetUint8("lock", 1)
	v.SetUint8("state", 2)
	v.SetUint24("enter_count", 0xABCDEF)
	v.SetUint24("exit_count", 7)

	require.Equal(t, uint8(1), v.Uint8("lock"))
	require.Equal(t, uint8(2), v.Uint8("state"))
	require.Equal(t, uint32(0xABCDEF), v.Uint24("enter_count"))
	require.Equal(t, uint32(7), v.Uint24("exit_count"))
}

func TestUint24OverflowPanics(t *testing.T) {
	l := headerLayout()
	v := l.New()

	require.Panics(t, func() {
		v.SetUint24("enter_count", 1<<24)
	})
}

func TestAttachAliasesBackingBuffer(t *testing.T) {
	l := headerLayout()
	buf := make([]byte, 32)
	v := l.Attach(buf, 8)

	v.SetUint8("state", 3)

	require.Equal(t, byte(3), buf[9])
}

func TestAttachOutOfBoundsPanics(t *testing.T) {
	l := headerLayout()
	buf := make([]byte, 4)

	require.Panics(t, func() {
		l.Attach(buf, 0)
	})
}

func TestPushToCopiesIntoDestination(t *testing.T) {
	l := headerLayout()
	src := l.New()
	src.SetUint8("lock", 1)
	src.SetUint24("enter_count", 42)

	dest := make([]byte, 16)
	copied := src.PushTo(dest, 4)

	require.Equal(t, uint8(1), copied.Uint8("lock"))
	require.Equal(t, uint32(42), copied.Uint24("enter_count"))

	// Mutating the copy must not affect the original.
	copied.SetUint8("lock", 0)
	require.Equal(t, uint8(1), src.Uint8("lock"))
}

func TestFloat64RoundTrip(t *testing.T) {
	l := structview.NewLayout(structview.FieldSpec{Name: "ttl", Kind: structview.F64})
	v := l.New()

	v.SetFloat64("ttl", 3600.5)
	require.InDelta(t, 3600.5, v.Float64("ttl"), 1e-9)
}

func TestBytesFieldLengthMismatchPanics(t *testing.T) {
	l := structview.NewLayout(structview.FieldSpec{Name: "magic", Kind: structview.Raw, Len: 4})
	v := l.New()

	require.Panics(t, func() {
		v.SetBytes("magic", []byte("too long"))
	})
}

func TestRawFieldDiff(t *testing.T) {
	l := structview.NewLayout(structview.FieldSpec{Name: "magic", Kind: structview.Raw, Len: 4})
	a := l.New()
	b := l.New()

	a.SetBytes("magic", []byte("SLC1"))
	b.SetBytes("magic", []byte("SLC1"))

	if diff := cmp.Diff(a.Bytes("magic"), b.Bytes("magic")); diff != "" {
		t.Fatalf("unexpected diff (-a +b):\n%s", diff)
	}
}
