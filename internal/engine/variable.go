package engine

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sable-ml/sable/internal/tensor"
)

// MakeVariable registers a named variable backed by the initial value's
// buffer. The variable holds its own reference, so disposing the initial
// tensor leaves the variable intact. Variable names must be unique; a
// collision is a programming error and panics.
func (e *Engine) MakeVariable(name string, initial *tensor.Tensor, trainable bool) *tensor.Variable {
	if name == "" {
		panic("variables require a name")
	}
	if _, ok := e.state.variables.Get(name); ok {
		panic(fmt.Sprintf("variable %q is already registered", name))
	}
	meta := e.mustMeta(initial)
	t := e.newHandle(initial.Data, initial.Shape, initial.DType)
	meta.backend.IncRef(t.Data)
	e.trackTensor(t, meta.backend, meta.backendName, meta.bytes, true)
	v := &tensor.Variable{Tensor: t, Name: name, Trainable: trainable}
	e.state.variables.Set(name, v)
	return v
}

// AssignVariable points the variable at a new value's buffer, releasing the
// old one. Shape and dtype must match the variable.
func (e *Engine) AssignVariable(v *tensor.Variable, value *tensor.Tensor) {
	if value.DType != v.DType {
		panic(fmt.Sprintf("cannot assign %s value to %s variable %q", value.DType, v.DType, v.Name))
	}
	if !value.Shape.Equal(v.Shape) {
		panic(fmt.Sprintf("cannot assign value of shape %v to variable %q of shape %v",
			value.Shape, v.Name, v.Shape))
	}
	meta := e.mustMeta(value)
	e.disposeTensor(v.Tensor)
	v.Tensor.Data = value.Data
	meta.backend.IncRef(value.Data)
	e.trackTensor(v.Tensor, meta.backend, meta.backendName, meta.bytes, true)
}

// Variable returns the registered variable with the given name.
func (e *Engine) Variable(name string) (*tensor.Variable, bool) {
	return e.state.variables.Get(name)
}

// Variables returns all registered variables in registration order.
func (e *Engine) Variables() []*tensor.Variable {
	out := make([]*tensor.Variable, 0, e.state.variables.Len())
	for pair := e.state.variables.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// DisposeVariable releases the variable's storage and unregisters its name.
func (e *Engine) DisposeVariable(v *tensor.Variable) {
	e.disposeTensor(v.Tensor)
	e.state.variables.Delete(v.Name)
}

// DisposeVariables releases and unregisters every variable.
func (e *Engine) DisposeVariables() {
	for pair := e.state.variables.Oldest(); pair != nil; pair = pair.Next() {
		e.disposeTensor(pair.Value.Tensor)
	}
	e.state.variables = orderedmap.New[string, *tensor.Variable]()
}
