package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat16RoundTrip(t *testing.T) {
	in := Float32s{0, 1, -1, 0.5, 2.5, -3.25}
	half := Float16FromFloat32s(in)
	require.Equal(t, len(in), half.Len())
	assert.Equal(t, in, half.Float32s(), "values exactly representable in half precision")
}

func TestZeroAndOnesValues(t *testing.T) {
	zeros := ZeroValues(Float32, 3)
	assert.Equal(t, Float32s{0, 0, 0}, zeros)

	ones := OnesValues(Float32, 3)
	assert.Equal(t, Float32s{1, 1, 1}, ones)

	intOnes := OnesValues(Int32, 2)
	assert.Equal(t, Int32s{1, 1}, intOnes)

	halfOnes := OnesValues(Float16, 2)
	assert.Equal(t, Float32s{1, 1}, halfOnes.(Float16s).Float32s())

	assert.Panics(t, func() { OnesValues(Bool, 1) })
}

func TestByteLength(t *testing.T) {
	assert.Equal(t, 12, ByteLength(Float32s{1, 2, 3}))
	assert.Equal(t, 4, ByteLength(Float16s{0, 0}))
	assert.Equal(t, 2, ByteLength(Bools{true, false}))

	// Strings count their encoded payload, not a fixed element size.
	assert.Equal(t, 5, ByteLength(Strings{[]byte("ab"), []byte("cde")}))

	// Complex64 values are stored as float32 component buffers.
	assert.Equal(t, 16, ByteLength(Complex64s{1 + 2i, 3 + 4i}))
}

func TestCloneValuesIsDeep(t *testing.T) {
	orig := Strings{[]byte("abc")}
	cloned := CloneValues(orig).(Strings)
	cloned[0][0] = 'z'
	assert.Equal(t, byte('a'), orig[0][0])

	f := Float32s{1, 2}
	fc := CloneValues(f).(Float32s)
	fc[0] = 9
	assert.Equal(t, float32(1), f[0])
}

func TestCloneValuesPreservesEmptyStrings(t *testing.T) {
	orig := Strings{[]byte("a"), []byte{}, nil}
	cloned := CloneValues(orig).(Strings)
	assert.Equal(t, orig, cloned)
	assert.NotNil(t, cloned[1], "empty element stays non-nil")
	assert.Nil(t, cloned[2])
}
