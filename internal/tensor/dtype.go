// Package tensor provides the core data model of the Sable runtime: data
// types, shapes, raw value unions, tensor handles and the generation-checked
// arena that identifies backend-owned buffers.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float16
	Int32
	Bool
	String
	Complex64
)

// Size returns the byte size of one element of the data type.
//
// String returns 0: string storage is variable-length and is accounted for
// at write time using the actual encoded length. Complex64 returns 8 but is
// excluded from direct byte accounting; its bytes are attributed to the two
// float32 component buffers a backend stores for it.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Bool:
		return 1
	case String:
		return 0
	case Complex64:
		return 8
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Complex64:
		return "complex64"
	default:
		return "unknown"
	}
}
