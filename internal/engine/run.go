package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// ForwardFunc is the forward pass of a custom operation. It runs inside its
// own disposal scope; intermediates are tidied away and the returned outputs
// escape. save clones-and-keeps tensors for the backward pass, in call
// order.
type ForwardFunc func(d kernels.Dispatcher, save func(ts ...*tensor.Tensor)) []*tensor.Tensor

// invocationKind discriminates the two ways a kernel can be invoked.
type invocationKind int

const (
	registeredCall invocationKind = iota
	customCall
)

// invocation is a tagged union: a registered kernel looked up by name, or a
// caller-supplied forward function with its own gradient.
type invocation struct {
	kind   invocationKind
	name   string
	inputs kernels.NamedTensors
	attrs  kernels.Attrs

	kernel *kernels.Kernel // registeredCall

	forward ForwardFunc      // customCall
	grad    kernels.GradFunc // customCall, may be nil
}

// Run executes a registered kernel against the active backend, recording it
// on the tape when a gradient computation is active. Run panics if the
// kernel is not registered for the active backend.
func (e *Engine) Run(kernel string, inputs kernels.NamedTensors, attrs kernels.Attrs) []*tensor.Tensor {
	b := e.Backend()
	k, ok := e.kernels.Kernel(kernel, e.activeName)
	if !ok {
		panic(fmt.Sprintf("kernel %q is not registered for backend %q", kernel, e.activeName))
	}
	return e.execute(b, &invocation{
		kind:   registeredCall,
		name:   kernel,
		inputs: inputs,
		attrs:  attrs,
		kernel: k,
	})
}

// Run1 is Run for single-output kernels.
func (e *Engine) Run1(kernel string, inputs kernels.NamedTensors, attrs kernels.Attrs) *tensor.Tensor {
	outs := e.Run(kernel, inputs, attrs)
	if len(outs) != 1 {
		panic(fmt.Sprintf("kernel %q returned %d outputs, expected 1", kernel, len(outs)))
	}
	return outs[0]
}

var _ kernels.Dispatcher = (*Engine)(nil)

// RunCustom executes a caller-supplied forward function as a single
// differentiable unit. Kernels run inside forward are not recorded
// individually; instead grad, if given, defines the whole unit's gradient.
// grad must return exactly one thunk per input name.
func (e *Engine) RunCustom(
	name string,
	inputs kernels.NamedTensors,
	attrs kernels.Attrs,
	forward ForwardFunc,
	grad kernels.GradFunc,
) []*tensor.Tensor {
	e.Backend()
	var checked kernels.GradFunc
	if grad != nil {
		checked = func(d kernels.Dispatcher, dy []*tensor.Tensor, saved []*tensor.Tensor, a kernels.Attrs) map[string]kernels.Thunk {
			thunks := grad(d, dy, saved, a)
			if len(thunks) != len(inputs) {
				panic(fmt.Sprintf(
					"gradient of %q returned %d input gradients, expected %d",
					name, len(thunks), len(inputs)))
			}
			return thunks
		}
	}
	return e.execute(e.active, &invocation{
		kind:    customCall,
		name:    name,
		inputs:  inputs,
		attrs:   attrs,
		forward: forward,
		grad:    checked,
	})
}

// execute is the shared dispatch path for both invocation kinds: move inputs
// onto the active backend, run with leak bookkeeping and optional timing,
// wrap outputs, and record on the tape.
func (e *Engine) execute(b backend.Backend, inv *invocation) []*tensor.Tensor {
	wasTapeOn := e.isTapeOn()

	for _, t := range inv.inputs {
		meta := e.mustMeta(t)
		if meta.backend != b {
			e.moveData(b, e.activeName, t.Data)
		}
	}

	checkLeaks := e.cfg.CheckLeaks
	var numDataIDsBefore int
	if checkLeaks {
		e.state.numDataMovesStack = append(e.state.numDataMovesStack, 0)
		numDataIDsBefore = b.NumDataIDs()
	}

	var outs []*tensor.Tensor
	var outInfos []tensor.Info
	var saved, savedSrc []*tensor.Tensor

	body := func() {
		switch inv.kind {
		case registeredCall:
			outInfos = inv.kernel.Func(b, inv.inputs, inv.attrs)
		case customCall:
			scopedRun(
				func() { e.StartScope(inv.name) },
				func() { e.EndScope(outs) },
				func() struct{} {
					outs = inv.forward(e, func(ts ...*tensor.Tensor) {
						for _, t := range ts {
							savedSrc = append(savedSrc, t)
							saved = append(saved, e.Keep(e.Clone(t)))
						}
					})
					return struct{}{}
				},
			)
		}
	}

	e.state.kernelDepth++
	func() {
		defer func() { e.state.kernelDepth-- }()
		e.timedRun(inv.name, b, body)
	}()

	if inv.kind == registeredCall {
		outs = make([]*tensor.Tensor, len(outInfos))
		for i, info := range outInfos {
			outs[i] = e.makeTensorFromInfo(info, b)
		}
	} else {
		outInfos = make([]tensor.Info, len(outs))
		for i, t := range outs {
			outInfos[i] = tensor.Info{Data: t.Data, Shape: t.Shape, DType: t.DType}
		}
	}

	if checkLeaks {
		e.checkKernelForMemLeak(inv.name, numDataIDsBefore, outInfos)
		e.state.numDataMovesStack = e.state.numDataMovesStack[:len(e.state.numDataMovesStack)-1]
	}

	if wasTapeOn {
		if inv.kind == registeredCall {
			savedSrc, saved = e.saveForBackward(inv.name, inv.inputs, outs)
		}
		e.addTapeNode(inv.name, inv.inputs, outs, saved, inv.grad, inv.attrs)
		for i, c := range saved {
			e.linkSaved(savedSrc[i], c)
		}
	} else {
		for _, t := range saved {
			e.disposeTensor(t)
		}
	}
	return outs
}

// timedRun executes body, timing and logging it when debugging or profiling
// is active.
func (e *Engine) timedRun(name string, b backend.Backend, body func()) {
	if !e.cfg.Debug && e.state.profile == nil {
		body()
		return
	}
	timing, err := b.Time(context.Background(), body)
	if err != nil {
		// Timing is best effort; the kernel itself already ran.
		e.log.Warn("kernel timing failed", "kernel", name, "error", err)
		timing = backend.KernelTiming{}
	}
	if e.cfg.Debug {
		e.log.Debug("kernel executed",
			"kernel", name,
			"backend", e.activeName,
			"wall_time", timing.WallTime)
	}
	if p := e.state.profile; p != nil {
		p.Kernels = append(p.Kernels, KernelProfile{
			Name:     name,
			Backend:  e.activeName,
			WallTime: timing.WallTime,
			Extra:    timing.Extra,
		})
	}
}

// saveForBackward clones-and-keeps the tensors the kernel's gradient
// configuration declares it needs, returning the sources and their clones
// pairwise. SaveAllInputs saves inputs in lexicographic name order so saved
// indices are deterministic.
func (e *Engine) saveForBackward(kernelName string, inputs kernels.NamedTensors, outputs []*tensor.Tensor) (src, saved []*tensor.Tensor) {
	cfg, ok := e.kernels.Gradient(kernelName)
	if !ok {
		return nil, nil
	}
	if cfg.SaveAllInputs {
		for _, name := range sortedNames(inputs) {
			src = append(src, inputs[name])
			saved = append(saved, e.Keep(e.Clone(inputs[name])))
		}
	} else {
		for _, name := range cfg.InputsToSave {
			in, ok := inputs[name]
			if !ok {
				panic(fmt.Sprintf("gradient of %q needs input %q, which was not passed", kernelName, name))
			}
			src = append(src, in)
			saved = append(saved, e.Keep(e.Clone(in)))
		}
	}
	for i, save := range cfg.OutputsToSave {
		if !save {
			continue
		}
		if i >= len(outputs) {
			panic(fmt.Sprintf("gradient of %q saves output %d, but the kernel produced %d outputs",
				kernelName, i, len(outputs)))
		}
		src = append(src, outputs[i])
		saved = append(saved, e.Keep(e.Clone(outputs[i])))
	}
	return src, saved
}

// linkSaved records a saved clone as an Identity tape node on its source.
// Gradient closures emit kernels referencing the clone's id; without the
// link, a nested gradient computation replaying those kernels would find no
// path from the original sources into the backward subgraph. Links follow
// the node they save for, keeping the tape topologically ordered even for
// saved outputs.
func (e *Engine) linkSaved(src, clone *tensor.Tensor) {
	e.addTapeNode(kernels.Identity,
		kernels.NamedTensors{"x": src}, []*tensor.Tensor{clone}, nil, nil, nil)
}

func sortedNames(inputs kernels.NamedTensors) []string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KernelProfile records one kernel execution observed by Profile.
type KernelProfile struct {
	Name     string
	Backend  string
	WallTime time.Duration
	Extra    map[string]string
}

// ProfileInfo aggregates the kernels executed during one Profile call.
type ProfileInfo struct {
	Kernels []KernelProfile
	Total   time.Duration
}

// Profile runs f with per-kernel timing enabled and returns what executed.
func (e *Engine) Profile(f func()) *ProfileInfo {
	p := &ProfileInfo{}
	e.state.profile = p
	defer func() { e.state.profile = nil }()
	start := time.Now()
	f()
	p.Total = time.Since(start)
	return p
}
