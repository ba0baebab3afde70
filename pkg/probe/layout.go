package probe

import (
	"encoding/binary"
	"math"

	"github.com/hitzhangjie/ohmd/pkg/types"
)

// maxLayoutDepth bounds nested arrays and structs.
const maxLayoutDepth = 16

// LayoutKind is the shape of decoded data.
type LayoutKind uint8

const (
	LayoutScalar LayoutKind = iota
	LayoutPointer
	LayoutString // char array
	LayoutArray
	LayoutRecord
)

// Layout is a decode plan for a type, computed once at compile time so that
// ticks never consult the type catalog.
type Layout struct {
	Kind   LayoutKind
	Scalar types.ScalarKind
	Size   uint64 // bytes covered
	Count  uint64 // LayoutArray, LayoutString
	Elem   *Layout
	Fields []Field
}

// Field is one struct member of a LayoutRecord.
type Field struct {
	Name   string
	Offset uint64
	Layout *Layout
}

// LayoutOf builds the decode plan for t. The second result is false when the
// type cannot be decoded at all.
func LayoutOf(c *types.Catalog, t *types.Type) (*Layout, bool) {
	return layoutOf(c, t, 0)
}

func layoutOf(c *types.Catalog, t *types.Type, depth int) (*Layout, bool) {
	u := c.Underlying(t)
	if u == nil || depth > maxLayoutDepth {
		return nil, false
	}

	switch u.Kind {
	case types.Scalar:
		if u.Size == 0 {
			return nil, false
		}
		return &Layout{Kind: LayoutScalar, Scalar: u.Scalar, Size: u.Size}, true

	case types.Pointer:
		return &Layout{Kind: LayoutPointer, Size: types.PointerWidth}, true

	case types.Array:
		elem, n, _ := c.ArrayElem(u)
		if n <= 0 {
			return nil, false
		}
		el, ok := layoutOf(c, elem, depth+1)
		if !ok {
			return nil, false
		}
		if el.Kind == LayoutScalar && el.Size == 1 && isChar(el.Scalar) {
			return &Layout{Kind: LayoutString, Size: uint64(n), Count: uint64(n), Elem: el}, true
		}
		return &Layout{Kind: LayoutArray, Size: uint64(n) * el.Size, Count: uint64(n), Elem: el}, true

	case types.Struct:
		l := &Layout{Kind: LayoutRecord, Size: u.Size}
		for i := range u.Elements {
			m := c.Elem(u, i)
			if m == nil {
				continue
			}
			ml, ok := layoutOf(c, c.Elem(m, 0), depth+1)
			if !ok {
				continue
			}
			l.Fields = append(l.Fields, Field{Name: m.Name, Offset: m.Offset, Layout: ml})
		}
		return l, true
	}
	return nil, false
}

func isChar(k types.ScalarKind) bool {
	return k == types.ScalarChar || k == types.ScalarUchar
}

// Decode turns buf into a Value following l. Missing bytes decode as zero.
func (l *Layout) Decode(buf []byte) Value {
	switch l.Kind {
	case LayoutScalar:
		return DecodeScalar(l.Scalar, window(buf, 0, l.Size))
	case LayoutPointer:
		return NumberValue(float64(le(window(buf, 0, types.PointerWidth))))
	case LayoutString:
		return StringValue(cstring(window(buf, 0, l.Size)))
	case LayoutArray:
		v := Value{Kind: List, Items: make([]Value, 0, l.Count)}
		for i := uint64(0); i < l.Count; i++ {
			v.Items = append(v.Items, l.Elem.Decode(window(buf, i*l.Elem.Size, l.Elem.Size)))
		}
		return v
	case LayoutRecord:
		v := Value{Kind: Record}
		for _, f := range l.Fields {
			v.Fields = append(v.Fields, f.Name)
			v.Items = append(v.Items, f.Layout.Decode(window(buf, f.Offset, f.Layout.Size)))
		}
		return v
	}
	return NumberValue(0)
}

// DecodeScalar decodes a little-endian scalar. Chars become one-byte
// strings, unknown kinds decode as zero.
func DecodeScalar(k types.ScalarKind, b []byte) Value {
	switch k {
	case types.ScalarInt, types.ScalarLong, types.ScalarLongLong, types.ScalarShort:
		return NumberValue(float64(signed(b)))
	case types.ScalarUint, types.ScalarUlong, types.ScalarUlongLong, types.ScalarUshort, types.ScalarBool:
		return NumberValue(float64(le(b)))
	case types.ScalarFloat:
		if len(b) < 4 {
			return NumberValue(0)
		}
		return NumberValue(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case types.ScalarDouble:
		if len(b) < 8 {
			return NumberValue(0)
		}
		return NumberValue(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case types.ScalarChar, types.ScalarUchar:
		if len(b) == 0 {
			return StringValue("")
		}
		return StringValue(string(b[:1]))
	}
	return NumberValue(0)
}

func le(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func signed(b []byte) int64 {
	if len(b) == 0 || len(b) >= 8 {
		return int64(le(b))
	}
	v := le(b)
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// window returns buf[off:off+n] clamped to buf, zero padded when short.
func window(buf []byte, off, n uint64) []byte {
	if off+n <= uint64(len(buf)) {
		return buf[off : off+n]
	}
	w := make([]byte, n)
	if off < uint64(len(buf)) {
		copy(w, buf[off:])
	}
	return w
}
