package engine

import (
	"fmt"

	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// GradientsResult pairs the forward value with one gradient per requested
// source, in source order. A nil gradient means the value does not depend on
// that source; that only happens with AllowNoGradients.
type GradientsResult struct {
	Value *tensor.Tensor
	Grads []*tensor.Tensor
}

// GradientsOptions alters how Gradients behaves.
type GradientsOptions struct {
	// Dy seeds the backward pass instead of ones. Must be float32 and
	// match the value's shape.
	Dy *tensor.Tensor
	// AllowNoGradients returns nil gradients for sources the value does
	// not depend on, instead of panicking.
	AllowNoGradients bool
}

// Gradients runs f while recording a tape, then backpropagates from the
// returned value to each of the xs. Intermediate tensors of the forward and
// backward passes are tidied away; the returned value and gradients escape
// and belong to the caller's scope.
//
// Nested calls compose: calling Gradients inside f records onto the shared
// outer tape, yielding higher-order derivatives.
func (e *Engine) Gradients(f func() *tensor.Tensor, xs []*tensor.Tensor, opts GradientsOptions) GradientsResult {
	if len(xs) == 0 {
		panic("gradients: at least one source tensor is required")
	}
	for i, x := range xs {
		if x == nil {
			panic(fmt.Sprintf("gradients: source %d is nil", i))
		}
	}
	if opts.Dy != nil && opts.Dy.DType != tensor.Float32 {
		panic(fmt.Sprintf("gradients: explicit output gradient must be float32, got %s", opts.Dy.DType))
	}

	y := scopedRun(e.startTape, e.endTape, func() *tensor.Tensor {
		return Tidy(e, "forward", f)
	})
	if y == nil {
		panic("gradients: f returned nil")
	}
	if opts.Dy != nil && !opts.Dy.Shape.Equal(y.Shape) {
		panic(fmt.Sprintf("gradients: output gradient shape %v does not match value shape %v",
			opts.Dy.Shape, y.Shape))
	}

	filtered := filterTape(e.state.activeTape, xs, y)
	if !opts.AllowNoGradients && len(filtered) == 0 {
		panic("gradients: the value is not a function of any requested source; " +
			"set AllowNoGradients to get nil gradients instead")
	}

	var result GradientsResult
	scopedRun(
		func() { e.StartScope("backward") },
		func() {
			escaping := make([]*tensor.Tensor, 0, len(result.Grads)+1)
			if result.Value != nil {
				escaping = append(escaping, result.Value)
			}
			for _, g := range result.Grads {
				if g != nil {
					escaping = append(escaping, g)
				}
			}
			e.EndScope(escaping)
		},
		func() struct{} {
			accum := make(map[int64]*tensor.Tensor)
			if opts.Dy != nil {
				accum[y.ID] = opts.Dy
			} else {
				accum[y.ID] = e.onesLike(y)
			}
			e.backpropagate(accum, filtered)
			grads := make([]*tensor.Tensor, len(xs))
			for i, x := range xs {
				grads[i] = accum[x.ID]
				if grads[i] == nil && !opts.AllowNoGradients {
					panic(fmt.Sprintf("gradients: the value is not a function of source %d; "+
						"set AllowNoGradients to get nil gradients instead", i))
				}
			}
			result = GradientsResult{Value: y, Grads: grads}
			return struct{}{}
		},
	)

	if e.state.gradientDepth == 0 {
		e.releaseTape()
	}
	return result
}

// backpropagate replays the filtered tape strictly in reverse order,
// accumulating gradients per tensor id. accum must hold the seed gradient
// for the target.
func (e *Engine) backpropagate(accum map[int64]*tensor.Tensor, filtered []*tapeNode) {
	for i := len(filtered) - 1; i >= 0; i-- {
		node := filtered[i]
		if node.grad == nil {
			panic(fmt.Sprintf("cannot compute gradient: no gradient is defined for kernel %q", node.kernelName))
		}
		dys := make([]*tensor.Tensor, len(node.outputs))
		for j, o := range node.outputs {
			dys[j] = accum[o.ID]
		}
		thunks := node.grad(dys)
		for name, in := range node.inputs {
			thunk, ok := thunks[name]
			if !ok || thunk == nil {
				panic(fmt.Sprintf("gradient of %q returned no gradient for input %q",
					node.kernelName, name))
			}
			dx := Tidy(e, "grad "+node.kernelName, thunk)
			if dx == nil {
				panic(fmt.Sprintf("gradient of %q returned nil for input %q",
					node.kernelName, name))
			}
			if dx.DType != tensor.Float32 {
				panic(fmt.Sprintf("gradient of %q for input %q must be float32, got %s",
					node.kernelName, name, dx.DType))
			}
			if !dx.Shape.Equal(in.Shape) {
				panic(fmt.Sprintf("gradient of %q for input %q has shape %v, expected %v",
					node.kernelName, name, dx.Shape, in.Shape))
			}
			if cur, ok := accum[in.ID]; ok {
				accum[in.ID] = e.Run1(kernels.Add,
					kernels.NamedTensors{"a": cur, "b": dx}, nil)
			} else {
				accum[in.ID] = dx
			}
		}
	}
}

// onesLike allocates a tensor of ones with the same shape and dtype.
func (e *Engine) onesLike(t *tensor.Tensor) *tensor.Tensor {
	ones, err := e.MakeTensor(tensor.OnesValues(t.DType, t.Size()), t.Shape)
	if err != nil {
		panic(err.Error())
	}
	return ones
}
