// Package structview implements typed, fixed-offset views over raw byte
// buffers.
//
// Every structure that crosses an interpreter boundary in this module —
// SharedBuffer headers, board slots, worker command words — is a byte
// layout, not a language object: there are no pointers and no object
// references, only offsets into shared memory. structview gives those
// layouts declared fields (unsigned little-endian integers of 1/2/3/4/8
// bytes, raw byte runs, IEEE-754 doubles) with explicit get/set accessors
// that poke the backing buffer directly, grounded on the offset-table style
// used for the cache header format in the wider pack.
package structview

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind identifies the wire representation of a field.
type Kind int

const (
	U8 Kind = iota
	U16
	U24
	U32
	U64
	F64
	Raw
)

// FieldSpec declares one field of a Layout. Len is only meaningful for Raw
// fields; every other Kind has a fixed size.
type FieldSpec struct {
	Name string
	Kind Kind
	Len  int
}

func (k Kind) size(declaredLen int) int {
	switch k {
	case U8:
		return 1
	case U16:
		return 2
	case U24:
		return 3
	case U32:
		return 4
	case U64:
		return 8
	case F64:
		return 8
	case Raw:
		return declaredLen
	default:
		panic(fmt.Sprintf("structview: unknown field kind %d", k))
	}
}

// Layout is an ordered set of fields with offsets assigned in declaration
// order, starting at zero. It is immutable once built and safe to share
// across goroutines and across a View's many Attach calls.
type Layout struct {
	fields  []FieldSpec
	offsets map[string]int
	sizes   map[string]int
	size    int
}

// NewLayout builds a Layout from fields declared in order. Field offsets
// are simply the running sum of preceding field sizes — there is no
// implicit padding; callers needing alignment pad explicitly with a Raw
// field.
func NewLayout(fields ...FieldSpec) *Layout {
	l := &Layout{
		fields:  append([]FieldSpec(nil), fields...),
		offsets: make(map[string]int, len(fields)),
		sizes:   make(map[string]int, len(fields)),
	}

	off := 0

	for _, f := range fields {
		sz := f.Kind.size(f.Len)
		if _, dup := l.offsets[f.Name]; dup {
			panic(fmt.Sprintf("structview: duplicate field %q", f.Name))
		}

		l.offsets[f.Name] = off
		l.sizes[f.Name] = sz
		off += sz
	}

	l.size = off

	return l
}

// Size returns the total byte size of the layout.
func (l *Layout) Size() int { return l.size }

// Offset returns the byte offset of a declared field within the layout.
// Panics if the field was never declared — this is always a programming
// error, never an input-dependent one.
func (l *Layout) Offset(name string) int {
	off, ok := l.offsets[name]
	if !ok {
		panic(fmt.Sprintf("structview: unknown field %q", name))
	}

	return off
}

// New allocates a standalone, zeroed byte array sized for the layout and
// returns a View attached to it at offset 0. This is the "construction from
// explicit field values" path: the caller fills fields in, then copies the
// result elsewhere with PushTo.
func (l *Layout) New() *View {
	return &View{layout: l, buf: make([]byte, l.size), off: 0}
}

// Attach returns a View over an existing buffer at the given offset,
// without copying. The buffer must have at least Offset+Size bytes; Attach
// panics otherwise, since an out-of-bounds attach is always a caller bug,
// never a runtime condition to recover from.
func (l *Layout) Attach(buf []byte, off int) *View {
	if off < 0 || off+l.size > len(buf) {
		panic(fmt.Sprintf("structview: attach out of bounds: off=%d size=%d len=%d", off, l.size, len(buf)))
	}

	return &View{layout: l, buf: buf, off: off}
}

// View is a read/write window onto (buffer, offset) for a given Layout.
// Every accessor maps directly to a slice read/write at a fixed byte
// offset: there is no caching, so the view always reflects concurrent
// mutation of the backing buffer (as happens when another process touches
// the same shared memory).
type View struct {
	layout *Layout
	buf    []byte
	off    int
}

// Layout returns the view's layout.
func (v *View) Layout() *Layout { return v.layout }

// Span returns the raw bytes backing the struct, still inside the original
// buffer (not a copy).
func (v *View) Span() []byte {
	return v.buf[v.off : v.off+v.layout.size]
}

// Offset returns the view's base offset within its backing buffer.
func (v *View) Offset() int { return v.off }

func (v *View) fieldSpan(name string) []byte {
	off := v.off + v.layout.Offset(name)
	sz := v.layout.sizes[name]

	return v.buf[off : off+sz]
}

// Uint8 reads a 1-byte field.
func (v *View) Uint8(name string) uint8 {
	return v.fieldSpan(name)[0]
}

// SetUint8 writes a 1-byte field.
func (v *View) SetUint8(name string, x uint8) {
	v.fieldSpan(name)[0] = x
}

// Uint16 reads a little-endian 2-byte field.
func (v *View) Uint16(name string) uint16 {
	return binary.LittleEndian.Uint16(v.fieldSpan(name))
}

// SetUint16 writes a little-endian 2-byte field.
func (v *View) SetUint16(name string, x uint16) {
	binary.LittleEndian.PutUint16(v.fieldSpan(name), x)
}

// Uint24 reads a little-endian 3-byte field into the low 24 bits of a
// uint32. Used for the shmbuf header's enter_count/exit_count fields, which
// deliberately stay narrow so the 1-byte lock and 1-byte state tag share a
// single cache line with them.
func (v *View) Uint24(name string) uint32 {
	b := v.fieldSpan(name)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// SetUint24 writes the low 24 bits of x as a little-endian 3-byte field.
// Panics if x does not fit — silently truncating a counter would violate
// the SharedBuffer enter/exit accounting invariant.
func (v *View) SetUint24(name string, x uint32) {
	if x > 0xFFFFFF {
		panic(fmt.Sprintf("structview: %d overflows u24 field %q", x, name))
	}

	b := v.fieldSpan(name)
	b[0] = byte(x)
	b[1] = byte(x >> 8)
	b[2] = byte(x >> 16)
}

// Uint32 reads a little-endian 4-byte field.
func (v *View) Uint32(name string) uint32 {
	return binary.LittleEndian.Uint32(v.fieldSpan(name))
}

// SetUint32 writes a little-endian 4-byte field.
func (v *View) SetUint32(name string, x uint32) {
	binary.LittleEndian.PutUint32(v.fieldSpan(name), x)
}

// Uint64 reads a little-endian 8-byte field.
func (v *View) Uint64(name string) uint64 {
	return binary.LittleEndian.Uint64(v.fieldSpan(name))
}

// SetUint64 writes a little-endian 8-byte field.
func (v *View) SetUint64(name string, x uint64) {
	binary.LittleEndian.PutUint64(v.fieldSpan(name), x)
}

// Float64 reads an IEEE-754 double field.
func (v *View) Float64(name string) float64 {
	return math.Float64frombits(v.Uint64(name))
}

// SetFloat64 writes an IEEE-754 double field.
func (v *View) SetFloat64(name string, x float64) {
	v.SetUint64(name, math.Float64bits(x))
}

// Bytes returns the raw span of a Raw field. The returned slice aliases the
// backing buffer.
func (v *View) Bytes(name string) []byte {
	return v.fieldSpan(name)
}

// SetBytes copies src into a Raw field. Panics on length mismatch: a short
// or long write into a fixed-width wire field is always a caller bug.
func (v *View) SetBytes(name string, src []byte) {
	dst := v.fieldSpan(name)
	if len(src) != len(dst) {
		panic(fmt.Sprintf("structview: field %q is %d bytes, got %d", name, len(dst), len(src)))
	}

	copy(dst, src)
}

// PushTo copies the view's bytes into dest at off and returns a new View
// over that copy, attached to the same Layout. This is the StructView
// "construction by copy" path used when handing a standalone struct (for
// example a freshly built Slot) to its final home inside a shared region.
func (v *View) PushTo(dest []byte, off int) *View {
	copy(dest[off:off+v.layout.size], v.Span())
	return v.layout.Attach(dest, off)
}
