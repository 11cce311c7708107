package kernels

import "github.com/sable-ml/sable/internal/tensor"

// Standard kernel names the engine's reference backends implement.
const (
	Identity  = "Identity"
	Add       = "Add"
	Sub       = "Sub"
	Mul       = "Mul"
	Div       = "Div"
	Neg       = "Neg"
	Square    = "Square"
	Sqrt      = "Sqrt"
	MatMul    = "MatMul"
	Reshape   = "Reshape"
	Transpose = "Transpose"
	Cast      = "Cast"
)

// RegisterStandardGradients registers the gradient configurations for the
// standard kernel set. Gradients are backend-independent: they compose other
// kernels through the dispatcher, so one registration covers every backend.
//
// The saved slice passed to each GradFunc holds the tensors named by
// InputsToSave in declaration order, followed by the outputs flagged in
// OutputsToSave.
func RegisterStandardGradients(r *Registry) {
	r.RegisterGradient(&GradConfig{
		Kernel: Identity,
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			return map[string]Thunk{
				"x": func() *tensor.Tensor { return d.Run1(Identity, NamedTensors{"x": dy[0]}, nil) },
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel: Add,
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			return map[string]Thunk{
				"a": func() *tensor.Tensor { return d.Run1(Identity, NamedTensors{"x": dy[0]}, nil) },
				"b": func() *tensor.Tensor { return d.Run1(Identity, NamedTensors{"x": dy[0]}, nil) },
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel: Sub,
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			return map[string]Thunk{
				"a": func() *tensor.Tensor { return d.Run1(Identity, NamedTensors{"x": dy[0]}, nil) },
				"b": func() *tensor.Tensor { return d.Run1(Neg, NamedTensors{"x": dy[0]}, nil) },
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel:       Mul,
		InputsToSave: []string{"a", "b"},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			a, b := saved[0], saved[1]
			return map[string]Thunk{
				"a": func() *tensor.Tensor { return d.Run1(Mul, NamedTensors{"a": dy[0], "b": b}, nil) },
				"b": func() *tensor.Tensor { return d.Run1(Mul, NamedTensors{"a": dy[0], "b": a}, nil) },
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel:       Div,
		InputsToSave: []string{"a", "b"},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			a, b := saved[0], saved[1]
			return map[string]Thunk{
				"a": func() *tensor.Tensor { return d.Run1(Div, NamedTensors{"a": dy[0], "b": b}, nil) },
				"b": func() *tensor.Tensor {
					num := d.Run1(Mul, NamedTensors{"a": dy[0], "b": a}, nil)
					den := d.Run1(Mul, NamedTensors{"a": b, "b": b}, nil)
					return d.Run1(Neg, NamedTensors{"x": d.Run1(Div, NamedTensors{"a": num, "b": den}, nil)}, nil)
				},
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel: Neg,
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			return map[string]Thunk{
				"x": func() *tensor.Tensor { return d.Run1(Neg, NamedTensors{"x": dy[0]}, nil) },
			}
		},
	})

	// d(x^2)/dx = 2x, computed as x+x to stay within the kernel set.
	r.RegisterGradient(&GradConfig{
		Kernel:       Square,
		InputsToSave: []string{"x"},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			x := saved[0]
			return map[string]Thunk{
				"x": func() *tensor.Tensor {
					twoX := d.Run1(Add, NamedTensors{"a": x, "b": x}, nil)
					return d.Run1(Mul, NamedTensors{"a": dy[0], "b": twoX}, nil)
				},
			}
		},
	})

	// d(sqrt(x))/dx = 1/(2*sqrt(x)) = dy/(y+y), using the saved output.
	r.RegisterGradient(&GradConfig{
		Kernel:        Sqrt,
		OutputsToSave: []bool{true},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			y := saved[0]
			return map[string]Thunk{
				"x": func() *tensor.Tensor {
					twoY := d.Run1(Add, NamedTensors{"a": y, "b": y}, nil)
					return d.Run1(Div, NamedTensors{"a": dy[0], "b": twoY}, nil)
				},
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel:       MatMul,
		InputsToSave: []string{"a", "b"},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			a, b := saved[0], saved[1]
			return map[string]Thunk{
				"a": func() *tensor.Tensor {
					bT := d.Run1(Transpose, NamedTensors{"x": b}, nil)
					return d.Run1(MatMul, NamedTensors{"a": dy[0], "b": bT}, nil)
				},
				"b": func() *tensor.Tensor {
					aT := d.Run1(Transpose, NamedTensors{"x": a}, nil)
					return d.Run1(MatMul, NamedTensors{"a": aT, "b": dy[0]}, nil)
				},
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel:       Reshape,
		InputsToSave: []string{"x"},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			xShape := saved[0].Shape
			return map[string]Thunk{
				"x": func() *tensor.Tensor {
					return d.Run1(Reshape, NamedTensors{"x": dy[0]}, Attrs{"shape": xShape})
				},
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel: Transpose,
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			return map[string]Thunk{
				"x": func() *tensor.Tensor { return d.Run1(Transpose, NamedTensors{"x": dy[0]}, nil) },
			}
		},
	})

	r.RegisterGradient(&GradConfig{
		Kernel:       Cast,
		InputsToSave: []string{"x"},
		Grad: func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk {
			xDType := saved[0].DType
			return map[string]Thunk{
				"x": func() *tensor.Tensor {
					return d.Run1(Cast, NamedTensors{"x": dy[0]}, Attrs{"dtype": xDType})
				},
			}
		},
	})
}
