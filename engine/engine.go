// Copyright 2026 Sable ML Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package engine provides the public API of the Sable execution engine.
//
// An Engine dispatches kernels to a compute backend, tracks tensor memory,
// and records operations for reverse-mode automatic differentiation.
// Engines are explicit values; create as many as you need:
//
//	e := engine.NewDefault(engine.ConfigFromEnv())
//	x, _ := e.MakeTensor(tensor.Float32s{1, 2, 3}, tensor.Shape{3})
//	y := engine.Tidy(e, "square", func() *tensor.Tensor {
//		return e.Run1(engine.Square, engine.NamedTensors{"x": x}, nil)
//	})
package engine

import (
	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/backend/cpu"
	"github.com/sable-ml/sable/internal/backend/webgpu"
	"github.com/sable-ml/sable/internal/engine"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// Engine executes kernels and tracks tensor lifetimes. See the internal
// engine package for the full method set.
type Engine = engine.Engine

// Config controls engine diagnostics and backend selection.
type Config = engine.Config

// BackendConfig describes a backend registration.
type BackendConfig = engine.BackendConfig

// GradientsResult pairs a forward value with per-source gradients.
type GradientsResult = engine.GradientsResult

// GradientsOptions alters gradient computation.
type GradientsOptions = engine.GradientsOptions

// ForwardFunc is the forward pass of a custom differentiable operation.
type ForwardFunc = engine.ForwardFunc

// MemoryInfo is a snapshot of engine memory accounting.
type MemoryInfo = engine.MemoryInfo

// ProfileInfo aggregates kernel timings collected by Engine.Profile.
type ProfileInfo = engine.ProfileInfo

// KernelProfile records one profiled kernel execution.
type KernelProfile = engine.KernelProfile

// NamedTensors maps input names to tensors for a kernel invocation.
type NamedTensors = kernels.NamedTensors

// Attrs carries per-invocation kernel attributes.
type Attrs = kernels.Attrs

// Thunk lazily produces one input gradient.
type Thunk = kernels.Thunk

// GradFunc computes the gradient of a kernel or custom operation.
type GradFunc = kernels.GradFunc

// Dispatcher runs kernels on behalf of gradient functions.
type Dispatcher = kernels.Dispatcher

// Standard kernel names.
const (
	Identity  = kernels.Identity
	Add       = kernels.Add
	Sub       = kernels.Sub
	Mul       = kernels.Mul
	Div       = kernels.Div
	Neg       = kernels.Neg
	Square    = kernels.Square
	Sqrt      = kernels.Sqrt
	MatMul    = kernels.MatMul
	Reshape   = kernels.Reshape
	Transpose = kernels.Transpose
	Cast      = kernels.Cast
)

// Backend priorities for the default registrations. GPU wins when its
// native library is available; the CPU backend is the fallback.
const (
	CPUPriority    = 0
	WebGPUPriority = 10
)

// ConfigFromEnv builds a Config from the SABLE_* environment variables.
func ConfigFromEnv() Config {
	return engine.ConfigFromEnv()
}

// New creates an engine with no backends registered.
func New(cfg Config) *Engine {
	return engine.New(cfg)
}

// NewDefault creates an engine with the CPU and WebGPU backends registered.
// WebGPU has the higher priority but initialization gracefully falls back
// to the CPU on machines without GPU support.
func NewDefault(cfg Config) *Engine {
	e := engine.New(cfg)
	e.RegisterBackend(BackendConfig{
		Name:     cpu.Name,
		Priority: CPUPriority,
		Factory:  cpu.Factory(),
		Setup: func(reg *kernels.Registry, _ backend.Backend) {
			cpu.Register(reg)
		},
	})
	e.RegisterBackend(BackendConfig{
		Name:     webgpu.Name,
		Priority: WebGPUPriority,
		Factory:  webgpu.Factory(),
		Setup: func(reg *kernels.Registry, _ backend.Backend) {
			webgpu.Register(reg)
		},
	})
	return e
}

// Tidy runs f inside a disposal scope on e; see engine.Tidy.
func Tidy[T any](e *Engine, name string, f func() T) T {
	return engine.Tidy(e, name, f)
}

// TensorsIn extracts tensor handles from a tidy result value.
func TensorsIn(v any) []*tensor.Tensor {
	return engine.TensorsIn(v)
}
