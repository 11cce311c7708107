// Package kernels maintains the registries the engine dispatches through:
// kernel implementations keyed by (kernel name, backend name), and gradient
// configurations keyed by kernel name.
package kernels

import (
	"fmt"
	"sort"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/tensor"
)

// Attrs carries per-invocation kernel attributes.
type Attrs map[string]any

// NamedTensors maps input names to tensors for a kernel invocation.
type NamedTensors map[string]*tensor.Tensor

// Dispatcher runs kernels on behalf of gradient functions. The engine
// implements it; gradient functions receive a Dispatcher value instead of
// closing over engine state.
type Dispatcher interface {
	// Run executes a registered kernel against the active backend.
	Run(kernel string, inputs NamedTensors, attrs Attrs) []*tensor.Tensor
	// Run1 is Run for single-output kernels.
	Run1(kernel string, inputs NamedTensors, attrs Attrs) *tensor.Tensor
}

// Func is a kernel implementation. It computes against the given backend and
// returns one Info per output; the engine wraps these into tracked tensors.
// Programming errors (bad shapes, wrong dtypes) panic.
type Func func(b backend.Backend, inputs NamedTensors, attrs Attrs) []tensor.Info

// Kernel is one registered kernel implementation for one backend.
type Kernel struct {
	Name    string
	Backend string
	Func    Func

	// Setup, if set, runs once when the backend is activated.
	Setup func(b backend.Backend)
	// Teardown, if set, runs when the backend is removed or reset.
	Teardown func(b backend.Backend)
}

// Thunk lazily produces one input gradient.
type Thunk func() *tensor.Tensor

// GradFunc computes the gradient of a kernel. It is a pure function of the
// output gradients (zero-filled before the call, never nil), the tensors
// saved during the forward pass, and the invocation attributes. It returns
// one lazily-evaluated thunk per input name.
type GradFunc func(d Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, attrs Attrs) map[string]Thunk

// GradConfig is the static, per-kernel declaration of what the backward pass
// needs from the forward pass.
type GradConfig struct {
	Kernel string
	// InputsToSave names the forward inputs needed by Grad.
	InputsToSave []string
	// OutputsToSave is aligned to the kernel's outputs; true saves that
	// output for Grad.
	OutputsToSave []bool
	// SaveAllInputs saves every input, in lexicographic name order.
	SaveAllInputs bool
	Grad          GradFunc
}

type kernelKey struct {
	kernel, backend string
}

// Registry holds kernel and gradient registrations for one engine.
type Registry struct {
	kernels map[kernelKey]*Kernel
	grads   map[string]*GradConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kernels: make(map[kernelKey]*Kernel),
		grads:   make(map[string]*GradConfig),
	}
}

// RegisterKernel registers a kernel implementation. Registering the same
// (kernel, backend) pair twice is a configuration error and panics.
func (r *Registry) RegisterKernel(k *Kernel) {
	key := kernelKey{k.Name, k.Backend}
	if _, ok := r.kernels[key]; ok {
		panic(fmt.Sprintf("kernel %q is already registered for backend %q", k.Name, k.Backend))
	}
	r.kernels[key] = k
}

// Kernel looks up the implementation of a kernel for a backend.
func (r *Registry) Kernel(name, backendName string) (*Kernel, bool) {
	k, ok := r.kernels[kernelKey{name, backendName}]
	return k, ok
}

// KernelsForBackend returns every kernel registered for a backend, sorted by
// kernel name for deterministic setup and teardown order.
func (r *Registry) KernelsForBackend(backendName string) []*Kernel {
	var out []*Kernel
	for key, k := range r.kernels {
		if key.backend == backendName {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoveBackendKernels unregisters every kernel for a backend, running each
// kernel's Teardown against the given instance first. The instance may be
// nil when the backend was never activated.
func (r *Registry) RemoveBackendKernels(backendName string, instance backend.Backend) {
	for _, k := range r.KernelsForBackend(backendName) {
		if k.Teardown != nil && instance != nil {
			k.Teardown(instance)
		}
		delete(r.kernels, kernelKey{k.Name, backendName})
	}
}

// RegisterGradient registers the gradient configuration for a kernel name.
// A kernel has at most one gradient; a duplicate registration panics.
func (r *Registry) RegisterGradient(cfg *GradConfig) {
	if _, ok := r.grads[cfg.Kernel]; ok {
		panic(fmt.Sprintf("gradient is already registered for kernel %q", cfg.Kernel))
	}
	r.grads[cfg.Kernel] = cfg
}

// Gradient looks up the gradient configuration for a kernel name.
func (r *Registry) Gradient(name string) (*GradConfig, bool) {
	g, ok := r.grads[name]
	return g, ok
}
