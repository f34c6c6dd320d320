// Package codec converts between CAN payload bytes and ordered scalar values
// using compact struct-layout strings such as "<HHb" or ">I2B".
//
// A layout is an optional byte order prefix followed by type codes, each
// optionally preceded by a repeat count:
//
//	<      little endian
//	> !    big endian
//	= @    native order (little endian, no alignment)
//
//	x pad byte (no value)    ? bool
//	b B 8 bit int/uint       h H 16 bit int/uint
//	i I l L 32 bit int/uint  q Q 64 bit int/uint
//	e 16 bit float           f 32 bit float          d 64 bit float
//
// Without a prefix the order is little endian. The total width of a layout
// may not exceed the 8 bytes of a classical CAN frame.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// MaxSize is the largest payload a layout may describe.
const MaxSize = 8

var (
	ErrSyntax          = errors.New("codec: invalid layout")
	ErrTooWide         = errors.New("codec: layout wider than a CAN frame")
	ErrLayoutMismatch  = errors.New("codec: payload length does not match layout")
	ErrWrongArity      = errors.New("codec: wrong number of values")
	ErrValueOutOfRange = errors.New("codec: value out of range")
	ErrValueType       = errors.New("codec: value has wrong type")
)

// Kind is the primitive type of one layout field.
type Kind uint8

const (
	Pad Kind = iota
	Bool
	Int
	Uint
	Float
)

func (k Kind) String() string {
	switch k {
	case Pad:
		return "pad"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Uint:
		return "uint"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one primitive of a layout.
type Field struct {
	Kind Kind
	Size int // bytes
}

var codes = map[byte]Field{
	'x': {Pad, 1},
	'?': {Bool, 1},
	'b': {Int, 1}, 'B': {Uint, 1},
	'h': {Int, 2}, 'H': {Uint, 2},
	'i': {Int, 4}, 'I': {Uint, 4},
	'l': {Int, 4}, 'L': {Uint, 4},
	'q': {Int, 8}, 'Q': {Uint, 8},
	'e': {Float, 2},
	'f': {Float, 4},
	'd': {Float, 8},
}

// Layout is a compiled binary layout. It is immutable and safe for
// concurrent use.
type Layout struct {
	src    string
	order  binary.ByteOrder
	fields []Field
	size   int
	values int
}

// Compile parses a layout string.
func Compile(layout string) (*Layout, error) {
	l := &Layout{src: layout, order: binary.LittleEndian}
	s := strings.TrimSpace(layout)
	if s != "" {
		switch s[0] {
		case '<', '=', '@':
			s = s[1:]
		case '>', '!':
			l.order = binary.BigEndian
			s = s[1:]
		}
	}
	for i := 0; i < len(s); {
		c := s[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		count := 1
		if c >= '0' && c <= '9' {
			count = 0
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				count = count*10 + int(s[i]-'0')
				if count > MaxSize {
					return nil, fmt.Errorf("%w %q", ErrTooWide, layout)
				}
				i++
			}
			if i == len(s) {
				return nil, fmt.Errorf("%w %q: repeat count without type", ErrSyntax, layout)
			}
			c = s[i]
		}
		f, ok := codes[c]
		if !ok {
			return nil, fmt.Errorf("%w %q: unknown type code %q", ErrSyntax, layout, c)
		}
		i++
		for n := 0; n < count; n++ {
			l.fields = append(l.fields, f)
			l.size += f.Size
			if f.Kind != Pad {
				l.values++
			}
		}
		if l.size > MaxSize {
			return nil, fmt.Errorf("%w %q: %d bytes", ErrTooWide, layout, l.size)
		}
	}
	return l, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(layout string) *Layout {
	l, err := Compile(layout)
	if err != nil {
		panic(err)
	}
	return l
}

// String returns the layout source.
func (l *Layout) String() string { return l.src }

// Size is the payload width in bytes.
func (l *Layout) Size() int { return l.size }

// NumValues is the number of values the layout decodes to and encodes from.
func (l *Layout) NumValues() int { return l.values }

// Fields returns the primitives of the layout, pads included.
func (l *Layout) Fields() []Field {
	return append([]Field(nil), l.fields...)
}

// Decode splits data into values: bool, int64, uint64 or float64 by field
// kind. The length of data must equal Size.
func (l *Layout) Decode(data []byte) ([]any, error) {
	if len(data) != l.size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrLayoutMismatch, len(data), l.size)
	}
	out := make([]any, 0, l.values)
	off := 0
	for _, f := range l.fields {
		b := data[off : off+f.Size]
		off += f.Size
		switch f.Kind {
		case Pad:
		case Bool:
			out = append(out, b[0] != 0)
		case Int:
			out = append(out, signExtend(l.getUint(b), f.Size))
		case Uint:
			out = append(out, l.getUint(b))
		case Float:
			out = append(out, l.float(b))
		}
	}
	return out, nil
}

// Encode packs values into a payload of Size bytes. Integers of any Go
// integer type, bools and floats are accepted; values that do not fit their
// field are rejected rather than truncated.
func (l *Layout) Encode(values []any) ([]byte, error) {
	if len(values) != l.values {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongArity, len(values), l.values)
	}
	out := make([]byte, l.size)
	off, vi := 0, 0
	for _, f := range l.fields {
		b := out[off : off+f.Size]
		off += f.Size
		if f.Kind == Pad {
			continue
		}
		v := values[vi]
		vi++
		var err error
		switch f.Kind {
		case Bool:
			err = putBool(b, v)
		case Int, Uint:
			err = l.putInt(b, f, v)
		case Float:
			err = l.putFloat(b, v)
		}
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", vi-1, err)
		}
	}
	return out, nil
}

func (l *Layout) getUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(l.order.Uint16(b))
	case 4:
		return uint64(l.order.Uint32(b))
	default:
		return l.order.Uint64(b)
	}
}

func (l *Layout) putUint(b []byte, u uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(u)
	case 2:
		l.order.PutUint16(b, uint16(u))
	case 4:
		l.order.PutUint32(b, uint32(u))
	default:
		l.order.PutUint64(b, u)
	}
}

func signExtend(u uint64, size int) int64 {
	shift := 64 - 8*uint(size)
	return int64(u<<shift) >> shift
}

func (l *Layout) float(b []byte) float64 {
	switch len(b) {
	case 2:
		return float64(float16.Frombits(l.order.Uint16(b)).Float32())
	case 4:
		return float64(math.Float32frombits(l.order.Uint32(b)))
	default:
		return math.Float64frombits(l.order.Uint64(b))
	}
}

func putBool(b []byte, v any) error {
	switch x := v.(type) {
	case bool:
		if x {
			b[0] = 1
		}
		return nil
	case float32:
		if x != 0 {
			b[0] = 1
		}
		return nil
	case float64:
		if x != 0 {
			b[0] = 1
		}
		return nil
	}
	n, err := toInteger(v)
	if err != nil {
		return err
	}
	if n.s != 0 || n.huge {
		b[0] = 1
	}
	return nil
}

func (l *Layout) putInt(b []byte, f Field, v any) error {
	n, err := toInteger(v)
	if err != nil {
		return err
	}
	bits := 8 * uint(f.Size)
	if f.Kind == Int {
		lo, hi := -int64(1)<<(bits-1), int64(math.MaxInt64)
		if bits < 64 {
			hi = int64(1)<<(bits-1) - 1
		}
		if n.huge || n.s < lo || n.s > hi {
			return fmt.Errorf("%w: %v does not fit int%d", ErrValueOutOfRange, v, bits)
		}
		l.putUint(b, uint64(n.s))
		return nil
	}
	hi := uint64(math.MaxUint64)
	if bits < 64 {
		hi = uint64(1)<<bits - 1
	}
	if n.s < 0 || n.u() > hi {
		return fmt.Errorf("%w: %v does not fit uint%d", ErrValueOutOfRange, v, bits)
	}
	l.putUint(b, n.u())
	return nil
}

func (l *Layout) putFloat(b []byte, v any) error {
	var x float64
	switch t := v.(type) {
	case float64:
		x = t
	case float32:
		x = float64(t)
	default:
		n, err := toInteger(v)
		if err != nil {
			return err
		}
		if n.huge {
			x = float64(n.big)
		} else {
			x = float64(n.s)
		}
	}
	finite := !math.IsInf(x, 0) && !math.IsNaN(x)
	switch len(b) {
	case 2:
		h := float16.Fromfloat32(float32(x))
		if finite && (h.IsInf(0) || math.Abs(x) > 65504) {
			return fmt.Errorf("%w: %v does not fit float16", ErrValueOutOfRange, v)
		}
		l.order.PutUint16(b, h.Bits())
	case 4:
		if finite && math.Abs(x) > math.MaxFloat32 {
			return fmt.Errorf("%w: %v does not fit float32", ErrValueOutOfRange, v)
		}
		l.order.PutUint32(b, math.Float32bits(float32(x)))
	default:
		l.order.PutUint64(b, math.Float64bits(x))
	}
	return nil
}

// integer is an integral value normalized from any Go numeric type. Values
// above math.MaxInt64 are held in big with huge set; otherwise s holds it.
type integer struct {
	s    int64
	big  uint64
	huge bool
}

func (n integer) u() uint64 {
	if n.huge {
		return n.big
	}
	return uint64(n.s)
}

func fromUint(u uint64) integer {
	if u > math.MaxInt64 {
		return integer{big: u, huge: true}
	}
	return integer{s: int64(u)}
}

func toInteger(v any) (integer, error) {
	switch x := v.(type) {
	case int:
		return integer{s: int64(x)}, nil
	case int8:
		return integer{s: int64(x)}, nil
	case int16:
		return integer{s: int64(x)}, nil
	case int32:
		return integer{s: int64(x)}, nil
	case int64:
		return integer{s: x}, nil
	case uint:
		return fromUint(uint64(x)), nil
	case uint8:
		return fromUint(uint64(x)), nil
	case uint16:
		return fromUint(uint64(x)), nil
	case uint32:
		return fromUint(uint64(x)), nil
	case uint64:
		return fromUint(x), nil
	case bool:
		if x {
			return integer{s: 1}, nil
		}
		return integer{}, nil
	case float32:
		return floatInteger(float64(x), v)
	case float64:
		return floatInteger(x, v)
	}
	return integer{}, fmt.Errorf("%w: %T", ErrValueType, v)
}

func floatInteger(f float64, v any) (integer, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return integer{}, fmt.Errorf("%w: %v is not an integer", ErrValueType, v)
	}
	switch {
	case f < -(1 << 63) || f >= 1<<64:
		return integer{}, fmt.Errorf("%w: %v", ErrValueOutOfRange, v)
	case f >= 1<<63:
		return integer{big: uint64(f), huge: true}, nil
	}
	return integer{s: int64(f)}, nil
}
