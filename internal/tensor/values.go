package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// Values is the tagged union of raw value slices a backend can store.
// Exactly one concrete type exists per DataType; backends and the engine
// switch on the concrete type instead of duck-typing the payload.
type Values interface {
	// DType returns the data type the values encode.
	DType() DataType
	// Len returns the number of elements.
	Len() int
}

// Float32s holds float32 element values.
type Float32s []float32

// Float16s holds raw IEEE 754 half-precision bits. Conversion to and from
// float32 goes through github.com/x448/float16.
type Float16s []uint16

// Int32s holds int32 element values.
type Int32s []int32

// Bools holds bool element values.
type Bools []bool

// Strings holds UTF-8 encoded string element values. Byte accounting for
// string tensors uses the actual encoded lengths, not a per-element size.
type Strings [][]byte

// Complex64s holds complex64 element values. Backends store these as two
// float32 component buffers plus a parent entry.
type Complex64s []complex64

func (v Float32s) DType() DataType   { return Float32 }
func (v Float16s) DType() DataType   { return Float16 }
func (v Int32s) DType() DataType     { return Int32 }
func (v Bools) DType() DataType      { return Bool }
func (v Strings) DType() DataType    { return String }
func (v Complex64s) DType() DataType { return Complex64 }

func (v Float32s) Len() int   { return len(v) }
func (v Float16s) Len() int   { return len(v) }
func (v Int32s) Len() int     { return len(v) }
func (v Bools) Len() int      { return len(v) }
func (v Strings) Len() int    { return len(v) }
func (v Complex64s) Len() int { return len(v) }

// Float32s decodes the half-precision bits into float32 values.
func (v Float16s) Float32s() Float32s {
	out := make(Float32s, len(v))
	for i, bits := range v {
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}

// Float16FromFloat32s encodes float32 values as half-precision bits.
func Float16FromFloat32s(v Float32s) Float16s {
	out := make(Float16s, len(v))
	for i, f := range v {
		out[i] = float16.Fromfloat32(f).Bits()
	}
	return out
}

// ZeroValues allocates zero-filled values of the given dtype and length.
func ZeroValues(dtype DataType, n int) Values {
	switch dtype {
	case Float32:
		return make(Float32s, n)
	case Float16:
		return make(Float16s, n)
	case Int32:
		return make(Int32s, n)
	case Bool:
		return make(Bools, n)
	case String:
		return make(Strings, n)
	case Complex64:
		return make(Complex64s, n)
	default:
		panic(fmt.Sprintf("zero values: unknown dtype %d", dtype))
	}
}

// OnesValues allocates one-filled values of the given dtype and length.
// Only numeric dtypes are supported; it is used to seed backward passes.
func OnesValues(dtype DataType, n int) Values {
	switch dtype {
	case Float32:
		out := make(Float32s, n)
		for i := range out {
			out[i] = 1
		}
		return out
	case Float16:
		one := float16.Fromfloat32(1).Bits()
		out := make(Float16s, n)
		for i := range out {
			out[i] = one
		}
		return out
	case Int32:
		out := make(Int32s, n)
		for i := range out {
			out[i] = 1
		}
		return out
	default:
		panic(fmt.Sprintf("ones values: unsupported dtype %s", dtype))
	}
}

// CloneValues returns a deep copy of the values.
func CloneValues(v Values) Values {
	switch d := v.(type) {
	case Float32s:
		return append(Float32s(nil), d...)
	case Float16s:
		return append(Float16s(nil), d...)
	case Int32s:
		return append(Int32s(nil), d...)
	case Bools:
		return append(Bools(nil), d...)
	case Strings:
		out := make(Strings, len(d))
		for i, s := range d {
			if s == nil {
				continue
			}
			// append would map an empty (non-nil) element to nil.
			c := make([]byte, len(s))
			copy(c, s)
			out[i] = c
		}
		return out
	case Complex64s:
		return append(Complex64s(nil), d...)
	default:
		panic(fmt.Sprintf("clone values: unknown values type %T", v))
	}
}

// ByteLength returns the number of bytes the values occupy. For strings this
// is the sum of the encoded lengths.
func ByteLength(v Values) int {
	if s, ok := v.(Strings); ok {
		total := 0
		for _, b := range s {
			total += len(b)
		}
		return total
	}
	return v.Len() * v.DType().Size()
}
