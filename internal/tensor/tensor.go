package tensor

import "fmt"

// Tensor is a handle to backend-owned storage: shape and dtype metadata plus
// the DataID of the buffer holding the values. It carries no values itself.
//
// Several handles may share one DataID (a bookkeeping clone); the owning
// backend reference-counts the buffer, so disposing one handle never frees
// storage that another handle still needs.
//
// ScopeID and Kept are managed by the engine's scope stack and must not be
// modified by callers.
type Tensor struct {
	// ID is a process-unique tensor id assigned by the engine.
	ID int64
	// Shape is the tensor's dimensions.
	Shape Shape
	// DType is the element type.
	DType DataType
	// Data identifies the backend buffer holding the values.
	Data DataID
	// ScopeID is the id of the tidy scope that tracks this tensor,
	// or 0 if it was created outside any scope.
	ScopeID int64
	// Kept marks the tensor as exempt from scope-driven disposal.
	Kept bool
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return t.Shape.NumElements()
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor#%d[%s]%v", t.ID, t.DType, t.Shape)
}

// Info is the raw output of a kernel: the buffer id plus the rank and dtype
// information needed to wrap it into a tracked Tensor. Kernels return Infos;
// the engine assigns tensor ids and ownership.
type Info struct {
	Data  DataID
	Shape Shape
	DType DataType
}

// Variable is a named tensor excluded from scope-driven disposal, used for
// mutable trainable state. Variables are registered in the engine's
// name-to-variable table and destroyed only by explicit disposal.
type Variable struct {
	*Tensor
	// Name is the process-wide unique variable name.
	Name string
	// Trainable marks the variable as a gradient target.
	Trainable bool
}

func (v *Variable) String() string {
	return fmt.Sprintf("Variable(%q)[%s]%v", v.Name, v.DType, v.Shape)
}
