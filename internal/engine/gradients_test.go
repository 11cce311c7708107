package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

func readF32(t *testing.T, e *Engine, x *tensor.Tensor) tensor.Float32s {
	t.Helper()
	v, err := e.ReadSync(x)
	require.NoError(t, err)
	return v.(tensor.Float32s)
}

func TestGradientOfSquare(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1, 2, 3}, tensor.Shape{3})
	defer e.Dispose(x)

	res := e.Gradients(func() *tensor.Tensor {
		return e.Run1(kernels.Square, kernels.NamedTensors{"x": x}, nil)
	}, []*tensor.Tensor{x}, GradientsOptions{})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])

	assert.Equal(t, tensor.Float32s{1, 4, 9}, readF32(t, e, res.Value))
	assert.Equal(t, tensor.Float32s{2, 4, 6}, readF32(t, e, res.Grads[0]))
}

func TestGradientAccumulatesAcrossPaths(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1, 2}, tensor.Shape{2})
	defer e.Dispose(x)

	// y = x^2 + x, so dy/dx = 2x + 1: the square path and the identity
	// path both contribute.
	res := e.Gradients(func() *tensor.Tensor {
		sq := e.Run1(kernels.Square, kernels.NamedTensors{"x": x}, nil)
		return e.Run1(kernels.Add, kernels.NamedTensors{"a": sq, "b": x}, nil)
	}, []*tensor.Tensor{x}, GradientsOptions{})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])

	assert.Equal(t, tensor.Float32s{2, 6}, readF32(t, e, res.Value))
	assert.Equal(t, tensor.Float32s{3, 5}, readF32(t, e, res.Grads[0]))
}

func TestGradientChainRule(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{2, 3}, tensor.Shape{2})
	defer e.Dispose(x)

	// y = sqrt(x^2) = x for positive x, so dy/dx = 1.
	res := e.Gradients(func() *tensor.Tensor {
		sq := e.Run1(kernels.Square, kernels.NamedTensors{"x": x}, nil)
		return e.Run1(kernels.Sqrt, kernels.NamedTensors{"x": sq}, nil)
	}, []*tensor.Tensor{x}, GradientsOptions{})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])

	assert.InDeltaSlice(t, tensor.Float32s{1, 1}, readF32(t, e, res.Grads[0]), 1e-5)
}

func TestGradientMultipleSources(t *testing.T) {
	e := newTestEngine(t)

	a := makeF32(t, e, tensor.Float32s{2, 3}, tensor.Shape{2})
	b := makeF32(t, e, tensor.Float32s{5, 7}, tensor.Shape{2})
	defer e.Dispose(a)
	defer e.Dispose(b)

	res := e.Gradients(func() *tensor.Tensor {
		return e.Run1(kernels.Mul, kernels.NamedTensors{"a": a, "b": b}, nil)
	}, []*tensor.Tensor{a, b}, GradientsOptions{})
	defer e.Dispose(res.Value)

	require.Len(t, res.Grads, 2)
	assert.Equal(t, tensor.Float32s{5, 7}, readF32(t, e, res.Grads[0]), "d(ab)/da = b")
	assert.Equal(t, tensor.Float32s{2, 3}, readF32(t, e, res.Grads[1]), "d(ab)/db = a")
	e.Dispose(res.Grads[0])
	e.Dispose(res.Grads[1])
}

func TestGradientWithExplicitSeed(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1, 2}, tensor.Shape{2})
	dy := makeF32(t, e, tensor.Float32s{10, 100}, tensor.Shape{2})
	defer e.Dispose(x)
	defer e.Dispose(dy)

	res := e.Gradients(func() *tensor.Tensor {
		return e.Run1(kernels.Identity, kernels.NamedTensors{"x": x}, nil)
	}, []*tensor.Tensor{x}, GradientsOptions{Dy: dy})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])

	assert.Equal(t, tensor.Float32s{10, 100}, readF32(t, e, res.Grads[0]))
}

func TestGradientNoDependencyPanics(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1}, tensor.Shape{1})
	other := makeF32(t, e, tensor.Float32s{2}, tensor.Shape{1})
	defer e.Dispose(x)
	defer e.Dispose(other)

	assert.Panics(t, func() {
		e.Gradients(func() *tensor.Tensor {
			return e.Run1(kernels.Square, kernels.NamedTensors{"x": other}, nil)
		}, []*tensor.Tensor{x}, GradientsOptions{})
	})
}

func TestGradientAllowNoGradients(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1}, tensor.Shape{1})
	other := makeF32(t, e, tensor.Float32s{2}, tensor.Shape{1})
	defer e.Dispose(x)
	defer e.Dispose(other)

	res := e.Gradients(func() *tensor.Tensor {
		return e.Run1(kernels.Square, kernels.NamedTensors{"x": other}, nil)
	}, []*tensor.Tensor{x}, GradientsOptions{AllowNoGradients: true})
	defer e.Dispose(res.Value)

	require.Len(t, res.Grads, 1)
	assert.Nil(t, res.Grads[0])
}

func TestGradientEmptySourcesPanics(t *testing.T) {
	e := newTestEngine(t)
	assert.Panics(t, func() {
		e.Gradients(func() *tensor.Tensor { return nil }, nil, GradientsOptions{})
	})
}

func TestGradientNonFloatSeedPanics(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1}, tensor.Shape{1})
	defer e.Dispose(x)
	seed, err := e.MakeTensor(tensor.Int32s{1}, tensor.Shape{1})
	require.NoError(t, err)
	defer e.Dispose(seed)

	assert.Panics(t, func() {
		e.Gradients(func() *tensor.Tensor {
			return e.Run1(kernels.Identity, kernels.NamedTensors{"x": x}, nil)
		}, []*tensor.Tensor{x}, GradientsOptions{Dy: seed})
	})
}

func TestSecondOrderGradient(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{3}, tensor.Shape{1})
	defer e.Dispose(x)

	// d2/dx2 of x^2 is 2: the inner backward pass is recorded on the
	// outer tape and differentiated again.
	res := e.Gradients(func() *tensor.Tensor {
		inner := e.Gradients(func() *tensor.Tensor {
			return e.Run1(kernels.Square, kernels.NamedTensors{"x": x}, nil)
		}, []*tensor.Tensor{x}, GradientsOptions{})
		return inner.Grads[0]
	}, []*tensor.Tensor{x}, GradientsOptions{})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])

	assert.Equal(t, tensor.Float32s{6}, readF32(t, e, res.Value), "first derivative 2x")
	assert.Equal(t, tensor.Float32s{2}, readF32(t, e, res.Grads[0]), "second derivative")
}

func TestSecondOrderGradientUsesSavedOutputs(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{4}, tensor.Shape{1})
	defer e.Dispose(x)

	// Sqrt saves its output for the backward pass; differentiating the
	// inner gradient again must reach that clone through the tape.
	res := e.Gradients(func() *tensor.Tensor {
		inner := e.Gradients(func() *tensor.Tensor {
			return e.Run1(kernels.Sqrt, kernels.NamedTensors{"x": x}, nil)
		}, []*tensor.Tensor{x}, GradientsOptions{})
		return inner.Grads[0]
	}, []*tensor.Tensor{x}, GradientsOptions{})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])

	// d(sqrt)/dx = 1/(2*sqrt(x)) = 0.25 at x=4; d2/dx2 = -1/32.
	assert.InDelta(t, 0.25, readF32(t, e, res.Value)[0], 1e-6)
	assert.InDelta(t, -0.03125, readF32(t, e, res.Grads[0])[0], 1e-6)
}

func TestMatMulGradient(t *testing.T) {
	e := newTestEngine(t)

	a := makeF32(t, e, tensor.Float32s{1, 2, 3, 4}, tensor.Shape{2, 2})
	b := makeF32(t, e, tensor.Float32s{5, 6, 7, 8}, tensor.Shape{2, 2})
	defer e.Dispose(a)
	defer e.Dispose(b)

	res := e.Gradients(func() *tensor.Tensor {
		return e.Run1(kernels.MatMul, kernels.NamedTensors{"a": a, "b": b}, nil)
	}, []*tensor.Tensor{a, b}, GradientsOptions{})
	defer e.Dispose(res.Value)
	defer e.Dispose(res.Grads[0])
	defer e.Dispose(res.Grads[1])

	// With dy = ones: dA = dy @ B^T, dB = A^T @ dy.
	assert.InDeltaSlice(t, tensor.Float32s{11, 15, 11, 15}, readF32(t, e, res.Grads[0]), 1e-5)
	assert.InDeltaSlice(t, tensor.Float32s{4, 4, 6, 6}, readF32(t, e, res.Grads[1]), 1e-5)
}

func TestTapeReleasedAfterOutermostGradient(t *testing.T) {
	e := newTestEngine(t)

	x := makeF32(t, e, tensor.Float32s{1, 2}, tensor.Shape{2})

	res := e.Gradients(func() *tensor.Tensor {
		return e.Run1(kernels.Square, kernels.NamedTensors{"x": x}, nil)
	}, []*tensor.Tensor{x}, GradientsOptions{})

	e.Dispose(res.Value)
	e.Dispose(res.Grads[0])
	e.Dispose(x)

	// Saved forward tensors must be gone with the tape.
	assert.Equal(t, 0, e.Memory().NumTensors)
	assert.Equal(t, 0, e.Memory().NumDataBuffers)
}
