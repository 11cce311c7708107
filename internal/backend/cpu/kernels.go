package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// Register registers the standard kernel set for the CPU backend.
func Register(reg *kernels.Registry) {
	for name, fn := range map[string]kernels.Func{
		kernels.Identity:  identityKernel,
		kernels.Add:       binaryKernel("add", func(a, b float32) float32 { return a + b }, func(a, b int32) int32 { return a + b }),
		kernels.Sub:       binaryKernel("sub", func(a, b float32) float32 { return a - b }, func(a, b int32) int32 { return a - b }),
		kernels.Mul:       binaryKernel("mul", func(a, b float32) float32 { return a * b }, func(a, b int32) int32 { return a * b }),
		kernels.Div:       binaryKernel("div", func(a, b float32) float32 { return a / b }, nil),
		kernels.Neg:       unaryKernel("neg", func(x float32) float32 { return -x }),
		kernels.Square:    unaryKernel("square", func(x float32) float32 { return x * x }),
		kernels.Sqrt:      unaryKernel("sqrt", func(x float32) float32 { return float32(math.Sqrt(float64(x))) }),
		kernels.MatMul:    matMulKernel,
		kernels.Transpose: transposeKernel,
		kernels.Reshape:   reshapeKernel,
		kernels.Cast:      castKernel,
	} {
		reg.RegisterKernel(&kernels.Kernel{Name: name, Backend: Name, Func: fn})
	}
}

func cpuOf(b backend.Backend) *Backend {
	cb, ok := b.(*Backend)
	if !ok {
		panic(fmt.Sprintf("cpu kernel invoked with %T backend", b))
	}
	return cb
}

func input(inputs kernels.NamedTensors, name string) *tensor.Tensor {
	t, ok := inputs[name]
	if !ok {
		panic(fmt.Sprintf("cpu: missing kernel input %q", name))
	}
	return t
}

// identityKernel shares the input buffer under a new handle. The ref count
// bump keeps the buffer alive until both handles are disposed.
func identityKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	cb := cpuOf(b)
	x := input(inputs, "x")
	cb.IncRef(x.Data)
	return []tensor.Info{{Data: x.Data, Shape: x.Shape.Clone(), DType: x.DType}}
}

func binaryKernel(op string, f32 func(a, b float32) float32, i32 func(a, b int32) int32) kernels.Func {
	return func(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
		cb := cpuOf(b)
		a := input(inputs, "a")
		c := input(inputs, "b")
		if !a.Shape.Equal(c.Shape) {
			panic(fmt.Sprintf("cpu %s: shape mismatch %v vs %v", op, a.Shape, c.Shape))
		}
		if a.DType != c.DType {
			panic(fmt.Sprintf("cpu %s: dtype mismatch %s vs %s", op, a.DType, c.DType))
		}
		switch a.DType {
		case tensor.Float32:
			av := cb.f32(a)
			bv := cb.f32(c)
			out := make(tensor.Float32s, len(av))
			cb.forEach(len(av), func(i int) { out[i] = f32(av[i], bv[i]) })
			return []tensor.Info{{Data: cb.Write(out, a.Shape, tensor.Float32), Shape: a.Shape.Clone(), DType: tensor.Float32}}
		case tensor.Int32:
			if i32 == nil {
				panic(fmt.Sprintf("cpu %s: int32 is not supported", op))
			}
			av := cb.lookup(a).values.(tensor.Int32s)
			bv := cb.lookup(c).values.(tensor.Int32s)
			out := make(tensor.Int32s, len(av))
			cb.forEach(len(av), func(i int) { out[i] = i32(av[i], bv[i]) })
			return []tensor.Info{{Data: cb.Write(out, a.Shape, tensor.Int32), Shape: a.Shape.Clone(), DType: tensor.Int32}}
		default:
			panic(fmt.Sprintf("cpu %s: unsupported dtype %s", op, a.DType))
		}
	}
}

func unaryKernel(op string, f32 func(x float32) float32) kernels.Func {
	return func(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
		cb := cpuOf(b)
		x := input(inputs, "x")
		if x.DType != tensor.Float32 {
			panic(fmt.Sprintf("cpu %s: unsupported dtype %s", op, x.DType))
		}
		xv := cb.f32(x)
		out := make(tensor.Float32s, len(xv))
		cb.forEach(len(xv), func(i int) { out[i] = f32(xv[i]) })
		return []tensor.Info{{Data: cb.Write(out, x.Shape, tensor.Float32), Shape: x.Shape.Clone(), DType: tensor.Float32}}
	}
}

// matMulKernel multiplies two 2D float32 tensors via gonum's single
// precision GEMM.
func matMulKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	cb := cpuOf(b)
	a := input(inputs, "a")
	c := input(inputs, "b")
	if a.Rank() != 2 || c.Rank() != 2 {
		panic(fmt.Sprintf("cpu matmul: expected 2D tensors, got %v and %v", a.Shape, c.Shape))
	}
	if a.DType != tensor.Float32 || c.DType != tensor.Float32 {
		panic(fmt.Sprintf("cpu matmul: unsupported dtypes %s, %s", a.DType, c.DType))
	}
	m, k := a.Shape[0], a.Shape[1]
	k2, n := c.Shape[0], c.Shape[1]
	if k != k2 {
		panic(fmt.Sprintf("cpu matmul: inner dimensions disagree: %v @ %v", a.Shape, c.Shape))
	}

	out := make(tensor.Float32s, m*n)
	am := blas32.General{Rows: m, Cols: k, Stride: k, Data: cb.f32(a)}
	bm := blas32.General{Rows: k, Cols: n, Stride: n, Data: cb.f32(c)}
	cm := blas32.General{Rows: m, Cols: n, Stride: n, Data: out}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, am, bm, 0, cm)

	shape := tensor.Shape{m, n}
	return []tensor.Info{{Data: cb.Write(out, shape, tensor.Float32), Shape: shape, DType: tensor.Float32}}
}

func transposeKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	cb := cpuOf(b)
	x := input(inputs, "x")
	if x.Rank() != 2 {
		panic(fmt.Sprintf("cpu transpose: expected a 2D tensor, got %v", x.Shape))
	}
	if x.DType != tensor.Float32 {
		panic(fmt.Sprintf("cpu transpose: unsupported dtype %s", x.DType))
	}
	m, n := x.Shape[0], x.Shape[1]
	xv := cb.f32(x)
	out := make(tensor.Float32s, len(xv))
	cb.forEach(len(xv), func(i int) {
		r, c := i/n, i%n
		out[c*m+r] = xv[i]
	})
	shape := tensor.Shape{n, m}
	return []tensor.Info{{Data: cb.Write(out, shape, tensor.Float32), Shape: shape, DType: tensor.Float32}}
}

// reshapeKernel shares the input buffer under a new shape.
func reshapeKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	cb := cpuOf(b)
	x := input(inputs, "x")
	shape, ok := attrs["shape"].(tensor.Shape)
	if !ok {
		panic("cpu reshape: missing 'shape' attribute")
	}
	if shape.NumElements() != x.Size() {
		panic(fmt.Sprintf("cpu reshape: cannot reshape %v into %v", x.Shape, shape))
	}
	cb.IncRef(x.Data)
	return []tensor.Info{{Data: x.Data, Shape: shape.Clone(), DType: x.DType}}
}

func castKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	cb := cpuOf(b)
	x := input(inputs, "x")
	to, ok := attrs["dtype"].(tensor.DataType)
	if !ok {
		panic("cpu cast: missing 'dtype' attribute")
	}
	out := castValues(cb.lookup(x).values, x.DType, to)
	return []tensor.Info{{Data: cb.Write(out, x.Shape, to), Shape: x.Shape.Clone(), DType: to}}
}

func castValues(v tensor.Values, from, to tensor.DataType) tensor.Values {
	if from == to {
		return tensor.CloneValues(v)
	}
	switch {
	case from == tensor.Float32 && to == tensor.Float16:
		return tensor.Float16FromFloat32s(v.(tensor.Float32s))
	case from == tensor.Float16 && to == tensor.Float32:
		return v.(tensor.Float16s).Float32s()
	case from == tensor.Float32 && to == tensor.Int32:
		src := v.(tensor.Float32s)
		out := make(tensor.Int32s, len(src))
		for i, f := range src {
			out[i] = int32(f)
		}
		return out
	case from == tensor.Int32 && to == tensor.Float32:
		src := v.(tensor.Int32s)
		out := make(tensor.Float32s, len(src))
		for i, n := range src {
			out[i] = float32(n)
		}
		return out
	case from == tensor.Bool && to == tensor.Float32:
		src := v.(tensor.Bools)
		out := make(tensor.Float32s, len(src))
		for i, t := range src {
			if t {
				out[i] = 1
			}
		}
		return out
	case from == tensor.Bool && to == tensor.Int32:
		src := v.(tensor.Bools)
		out := make(tensor.Int32s, len(src))
		for i, t := range src {
			if t {
				out[i] = 1
			}
		}
		return out
	default:
		panic(fmt.Sprintf("cpu cast: unsupported conversion %s -> %s", from, to))
	}
}
