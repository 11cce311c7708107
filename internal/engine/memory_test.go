package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

func makeF32(t *testing.T, e *Engine, values tensor.Float32s, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	ten, err := e.MakeTensor(values, shape)
	require.NoError(t, err)
	return ten
}

func TestMemoryAccounting(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1, 2, 3, 4}, tensor.Shape{2, 2})
	mem := e.Memory()
	assert.Equal(t, 1, mem.NumTensors)
	assert.Equal(t, 1, mem.NumDataBuffers)
	assert.Equal(t, 16, mem.NumBytes)

	// A clone is a second handle on the same buffer.
	c := e.Clone(x)
	mem = e.Memory()
	assert.Equal(t, 2, mem.NumTensors)
	assert.Equal(t, 1, mem.NumDataBuffers)
	assert.Equal(t, 32, mem.NumBytes)

	// Disposing one handle keeps the shared buffer alive.
	e.Dispose(c)
	mem = e.Memory()
	assert.Equal(t, 1, mem.NumTensors)
	assert.Equal(t, 1, mem.NumDataBuffers)

	_, err := e.ReadSync(x)
	assert.NoError(t, err)

	e.Dispose(x)
	mem = e.Memory()
	assert.Equal(t, 0, mem.NumTensors)
	assert.Equal(t, 0, mem.NumDataBuffers)
	assert.Equal(t, 0, mem.NumBytes)
}

func TestDisposeIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1}, tensor.Shape{1})
	e.Dispose(x)
	e.Dispose(x)

	mem := e.Memory()
	assert.Equal(t, 0, mem.NumTensors)
	assert.Equal(t, 0, mem.NumDataBuffers)
}

func TestReadAfterDisposeFails(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1}, tensor.Shape{1})
	e.Dispose(x)

	assert.True(t, e.IsDisposed(x))
	_, err := e.ReadSync(x)
	assert.Error(t, err)
}

func TestStringByteAccounting(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.MakeTensor(tensor.Strings{[]byte("hello"), []byte("!!")}, tensor.Shape{2})
	require.NoError(t, err)

	mem := e.Memory()
	assert.Equal(t, 1, mem.NumStringTensors)
	assert.Equal(t, 7, mem.NumBytes, "strings count encoded bytes at write time")

	e.Dispose(s)
	mem = e.Memory()
	assert.Equal(t, 0, mem.NumStringTensors)
	assert.Equal(t, 0, mem.NumBytes)
}

func TestStringByteAccountingThroughSharedBuffers(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.MakeTensor(tensor.Strings{[]byte("hello")}, tensor.Shape{1})
	require.NoError(t, err)

	// Identity shares the buffer; the output handle must carry the
	// encoded length so disposal subtracts what tracking added.
	out := e.Run1(kernels.Identity, kernels.NamedTensors{"x": s}, nil)
	assert.Equal(t, 10, e.Memory().NumBytes)

	e.Dispose(out)
	e.Dispose(s)
	assert.Equal(t, 0, e.Memory().NumBytes)
}

func TestComplexByteAccounting(t *testing.T) {
	e := newTestEngine(t)

	c, err := e.MakeTensor(tensor.Complex64s{1 + 2i}, tensor.Shape{1})
	require.NoError(t, err)

	// The complex handle itself contributes no bytes; its float32
	// component buffers are internal to the backend.
	mem := e.Memory()
	assert.Equal(t, 1, mem.NumTensors)
	assert.Equal(t, 0, mem.NumBytes)

	e.Dispose(c)
	assert.Equal(t, 0, e.Memory().NumTensors)
}

func TestLeakCheckCatchesBuggyKernel(t *testing.T) {
	e := newTestEngine(t)
	e.Backend()

	// A kernel that allocates a scratch buffer and forgets to free it.
	e.Kernels().RegisterKernel(&kernels.Kernel{
		Name:    "Leaky",
		Backend: "cpu",
		Func: func(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
			b.Write(tensor.Float32s{0}, tensor.Shape{1}, tensor.Float32)
			id := b.Write(tensor.Float32s{1}, tensor.Shape{1}, tensor.Float32)
			return []tensor.Info{{Data: id, Shape: tensor.Shape{1}, DType: tensor.Float32}}
		},
	})

	assert.PanicsWithValue(t,
		`backend "cpu" has an internal memory leak (1 data ids) after running kernel "Leaky"`,
		func() { e.Run("Leaky", nil, nil) })
}

func TestLeakCheckAllowsBufferSharingKernels(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1, 2}, tensor.Shape{2})
	defer e.Dispose(x)

	// Identity allocates nothing; the check must tolerate kernels that
	// produce fewer buffers than outputs.
	out := e.Run1(kernels.Identity, kernels.NamedTensors{"x": x}, nil)
	defer e.Dispose(out)

	assert.Equal(t, x.Data, out.Data)
}
