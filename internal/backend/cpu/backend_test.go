package cpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-ml/sable/internal/tensor"
)

func newTestBackend() (*Backend, *tensor.DataArena) {
	arena := tensor.NewDataArena()
	return New(arena), arena
}

func TestWriteReadRoundTrip(t *testing.T) {
	b, _ := newTestBackend()

	tests := []struct {
		name   string
		values tensor.Values
		shape  tensor.Shape
		dtype  tensor.DataType
	}{
		{"float32", tensor.Float32s{1, 2, 3, 4}, tensor.Shape{2, 2}, tensor.Float32},
		{"float16", tensor.Float16FromFloat32s(tensor.Float32s{1, 0.5}), tensor.Shape{2}, tensor.Float16},
		{"int32", tensor.Int32s{-1, 0, 7}, tensor.Shape{3}, tensor.Int32},
		{"bool", tensor.Bools{true, false}, tensor.Shape{2}, tensor.Bool},
		{"string", tensor.Strings{[]byte("hello"), []byte("")}, tensor.Shape{2}, tensor.String},
		{"scalar", tensor.Float32s{42}, tensor.Shape{}, tensor.Float32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := b.Write(tt.values, tt.shape, tt.dtype)
			require.True(t, id.Valid())

			got := b.ReadSync(id)
			assert.Equal(t, tt.values, got)

			viaCtx, err := b.Read(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.values, viaCtx)
		})
	}
}

func TestComplexUsesThreeBuffers(t *testing.T) {
	b, arena := newTestBackend()

	id := b.Write(tensor.Complex64s{1 + 2i, 3 - 1i}, tensor.Shape{2}, tensor.Complex64)
	assert.Equal(t, 3, b.NumDataIDs(), "parent plus two float32 component buffers")

	got := b.ReadSync(id)
	assert.Equal(t, tensor.Complex64s{1 + 2i, 3 - 1i}, got)

	assert.True(t, b.DisposeData(id, false))
	assert.Equal(t, 0, b.NumDataIDs())
	assert.Equal(t, 0, arena.NumLive())
}

func TestRefCounting(t *testing.T) {
	b, arena := newTestBackend()

	id := b.Write(tensor.Float32s{1}, tensor.Shape{1}, tensor.Float32)
	assert.Equal(t, 1, b.RefCount(id))

	b.IncRef(id)
	assert.Equal(t, 2, b.RefCount(id))

	// First dispose only drops a reference.
	assert.False(t, b.DisposeData(id, false))
	assert.Equal(t, 1, b.RefCount(id))
	assert.True(t, arena.Live(id))

	// Second dispose actually frees.
	assert.True(t, b.DisposeData(id, false))
	assert.Equal(t, 0, b.RefCount(id))
	assert.False(t, arena.Live(id))

	// Further disposes are safe no-ops.
	assert.False(t, b.DisposeData(id, false))
}

func TestForceDisposeKeepsArenaSlot(t *testing.T) {
	b, arena := newTestBackend()

	id := b.Write(tensor.Float32s{1, 2}, tensor.Shape{2}, tensor.Float32)
	b.IncRef(id)

	// Force dispose drops storage unconditionally but leaves the slot
	// live so a move destination can adopt the id.
	assert.True(t, b.DisposeData(id, true))
	assert.Equal(t, 0, b.NumDataIDs())
	assert.True(t, arena.Live(id))

	b.Move(id, tensor.Float32s{1, 2}, tensor.Shape{2}, tensor.Float32, 2)
	assert.Equal(t, 2, b.RefCount(id))
	assert.Equal(t, tensor.Float32s{1, 2}, b.ReadSync(id))
}

func TestReadUnknownIDPanics(t *testing.T) {
	b, _ := newTestBackend()

	id := b.Write(tensor.Float32s{1}, tensor.Shape{1}, tensor.Float32)
	b.DisposeData(id, false)

	assert.Panics(t, func() { b.ReadSync(id) })
	assert.Panics(t, func() { b.IncRef(id) })
}

func TestWriteShapeMismatchPanics(t *testing.T) {
	b, _ := newTestBackend()
	assert.Panics(t, func() {
		b.Write(tensor.Float32s{1, 2, 3}, tensor.Shape{2}, tensor.Float32)
	})
}

func TestTimeReportsBackend(t *testing.T) {
	b, _ := newTestBackend()

	ran := false
	timing, err := b.Time(context.Background(), func() { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, Name, timing.Extra["backend"])
}

func TestDisposeReleasesEverything(t *testing.T) {
	b, arena := newTestBackend()

	b.Write(tensor.Float32s{1}, tensor.Shape{1}, tensor.Float32)
	b.Write(tensor.Int32s{2}, tensor.Shape{1}, tensor.Int32)
	require.Equal(t, 2, b.NumDataIDs())

	b.Dispose()
	assert.Equal(t, 0, b.NumDataIDs())
	assert.Equal(t, 0, arena.NumLive())
}
