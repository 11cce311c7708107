package webgpu

import (
	"fmt"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// Register registers the GPU kernel set. Element-wise float32 kernels run
// as WGSL compute shaders; everything else stays on the CPU backend.
func Register(reg *kernels.Registry) {
	for name, fn := range map[string]kernels.Func{
		kernels.Identity: identityKernel,
		kernels.Add:      binaryKernel("add", addShader),
		kernels.Sub:      binaryKernel("sub", subShader),
		kernels.Mul:      binaryKernel("mul", mulShader),
		kernels.Div:      binaryKernel("div", divShader),
		kernels.Neg:      unaryKernel("neg", negShader),
		kernels.Square:   unaryKernel("square", squareShader),
		kernels.Sqrt:     unaryKernel("sqrt", sqrtShader),
		kernels.Reshape:  reshapeKernel,
	} {
		reg.RegisterKernel(&kernels.Kernel{Name: name, Backend: Name, Func: fn})
	}
}

func gpuOf(b backend.Backend) *Backend {
	gb, ok := b.(*Backend)
	if !ok {
		panic(fmt.Sprintf("webgpu kernel invoked with %T backend", b))
	}
	return gb
}

func input(inputs kernels.NamedTensors, name string) *tensor.Tensor {
	t, ok := inputs[name]
	if !ok {
		panic(fmt.Sprintf("webgpu: missing kernel input %q", name))
	}
	return t
}

func identityKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	gb := gpuOf(b)
	x := input(inputs, "x")
	gb.IncRef(x.Data)
	return []tensor.Info{{Data: x.Data, Shape: x.Shape.Clone(), DType: x.DType}}
}

func binaryKernel(op, shader string) kernels.Func {
	return func(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
		gb := gpuOf(b)
		a := input(inputs, "a")
		c := input(inputs, "b")
		if a.DType != tensor.Float32 || c.DType != tensor.Float32 {
			panic(fmt.Sprintf("webgpu %s: only float32 is supported, got %s and %s", op, a.DType, c.DType))
		}
		if !a.Shape.Equal(c.Shape) {
			panic(fmt.Sprintf("webgpu %s: shape mismatch %v vs %v", op, a.Shape, c.Shape))
		}
		id := gb.runElementwise(op, shader, []*buffer{gb.lookup(a.Data), gb.lookup(c.Data)}, a.Shape)
		return []tensor.Info{{Data: id, Shape: a.Shape.Clone(), DType: tensor.Float32}}
	}
}

func unaryKernel(op, shader string) kernels.Func {
	return func(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
		gb := gpuOf(b)
		x := input(inputs, "x")
		if x.DType != tensor.Float32 {
			panic(fmt.Sprintf("webgpu %s: only float32 is supported, got %s", op, x.DType))
		}
		id := gb.runElementwise(op, shader, []*buffer{gb.lookup(x.Data)}, x.Shape)
		return []tensor.Info{{Data: id, Shape: x.Shape.Clone(), DType: tensor.Float32}}
	}
}

// reshapeKernel shares the storage buffer under a new handle with the
// requested shape; element count must be preserved.
func reshapeKernel(b backend.Backend, inputs kernels.NamedTensors, attrs kernels.Attrs) []tensor.Info {
	gb := gpuOf(b)
	x := input(inputs, "x")
	shape, ok := attrs["shape"].(tensor.Shape)
	if !ok {
		panic("webgpu reshape: missing shape attribute")
	}
	if shape.NumElements() != x.Size() {
		panic(fmt.Sprintf("webgpu reshape: cannot reshape %v to %v", x.Shape, shape))
	}
	gb.IncRef(x.Data)
	return []tensor.Info{{Data: x.Data, Shape: shape.Clone(), DType: x.DType}}
}
