// Copyright 2026 Sable ML Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public tensor types of the Sable engine.
//
// The package re-exports the core definitions:
//   - Tensor: a handle to backend-resident storage
//   - Variable: a named, assignable tensor exempt from scoped disposal
//   - Shape, DataType, Values: shape and payload types
//
// Tensors are created and disposed through an engine.Engine; this package
// only carries the data types they are made of.
package tensor

import (
	"github.com/sable-ml/sable/internal/tensor"
)

// DataType identifies the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32   DataType = tensor.Float32
	Float16   DataType = tensor.Float16
	Int32     DataType = tensor.Int32
	Bool      DataType = tensor.Bool
	String    DataType = tensor.String
	Complex64 DataType = tensor.Complex64
)

// Shape is the dimensions of a tensor. An empty Shape is a scalar.
type Shape = tensor.Shape

// Tensor is a handle to tensor data held by a backend. Handles may share
// storage; each is tracked and disposed independently.
type Tensor = tensor.Tensor

// Variable is a named tensor that survives tidy scopes and supports
// in-place reassignment.
type Variable = tensor.Variable

// DataID identifies a backend storage buffer.
type DataID = tensor.DataID

// Values is the typed payload read from or written to a backend.
type Values = tensor.Values

// Concrete Values implementations.
type (
	Float32s   = tensor.Float32s
	Float16s   = tensor.Float16s
	Int32s     = tensor.Int32s
	Bools      = tensor.Bools
	Strings    = tensor.Strings
	Complex64s = tensor.Complex64s
)

// Float16FromFloat32s converts float32 values to raw half-precision bits.
func Float16FromFloat32s(values []float32) Float16s {
	return tensor.Float16FromFloat32s(values)
}

// ZeroValues allocates an all-zero payload of the given dtype and length.
func ZeroValues(dtype DataType, n int) Values {
	return tensor.ZeroValues(dtype, n)
}

// OnesValues allocates an all-ones payload for numeric dtypes.
func OnesValues(dtype DataType, n int) Values {
	return tensor.OnesValues(dtype, n)
}
