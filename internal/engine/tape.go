package engine

import (
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// tapeNode records one differentiable operation: the handles that flowed
// through it and a gradient closure mapping output gradients to one thunk
// per input name.
type tapeNode struct {
	id         int64
	kernelName string
	inputs     kernels.NamedTensors
	outputs    []*tensor.Tensor
	// saved holds cloned-and-kept tensors the gradient needs from the
	// forward pass. They are disposed when the tape is released.
	saved []*tensor.Tensor
	grad  func(dys []*tensor.Tensor) map[string]kernels.Thunk
}

// isTapeOn reports whether kernel executions should be recorded: a gradient
// computation must be active, and we must not be inside a kernel (kernels
// record as single nodes, not their internals).
func (e *Engine) isTapeOn() bool {
	return e.state.gradientDepth > 0 && e.state.kernelDepth == 0
}

// startTape begins recording. Nested calls share the outermost tape.
func (e *Engine) startTape() {
	if e.state.gradientDepth == 0 {
		e.state.activeTape = nil
	}
	e.state.gradientDepth++
}

func (e *Engine) endTape() {
	e.state.gradientDepth--
}

// releaseTape disposes the saved tensors and drops the recorded nodes. Only
// called once the outermost gradient computation has consumed the tape.
func (e *Engine) releaseTape() {
	for _, node := range e.state.activeTape {
		for _, t := range node.saved {
			e.disposeTensor(t)
		}
	}
	e.state.activeTape = nil
}

// addTapeNode appends a node for an executed kernel. A gradient registered
// in the registry for the kernel name takes precedence over an explicitly
// supplied gradFn; custom invocations therefore get their own gradient only
// under names no registered kernel uses. Output gradients are zero-filled
// before the gradient function runs, so it never sees nil.
func (e *Engine) addTapeNode(
	kernelName string,
	inputs kernels.NamedTensors,
	outputs []*tensor.Tensor,
	saved []*tensor.Tensor,
	gradFn kernels.GradFunc,
	attrs kernels.Attrs,
) {
	s := e.state
	s.nextTapeNodeID++
	node := &tapeNode{
		id:         s.nextTapeNodeID,
		kernelName: kernelName,
		inputs:     inputs,
		outputs:    outputs,
		saved:      saved,
	}
	if cfg, ok := e.kernels.Gradient(kernelName); ok {
		gradFn = cfg.Grad
	}
	if gradFn != nil {
		fn := gradFn
		node.grad = func(dys []*tensor.Tensor) map[string]kernels.Thunk {
			filled := make([]*tensor.Tensor, len(dys))
			for i, dy := range dys {
				if dy == nil {
					o := outputs[i]
					z, err := e.MakeTensor(tensor.ZeroValues(o.DType, o.Size()), o.Shape)
					if err != nil {
						panic(err.Error())
					}
					dy = z
				}
				filled[i] = dy
			}
			return fn(e, filled, saved, attrs)
		}
	}
	s.activeTape = append(s.activeTape, node)
}

// filterTape keeps only the nodes on a differentiable path from the sources
// xs to the target y: a forward sweep marks everything reachable from xs, a
// backward sweep marks everything y depends on, and the intersection
// survives. Kept nodes have their input maps pruned to the inputs that are
// actually on the path.
func filterTape(nodes []*tapeNode, xs []*tensor.Tensor, y *tensor.Tensor) []*tapeNode {
	fromX := make(map[int64]bool, len(xs))
	for _, x := range xs {
		fromX[x.ID] = true
	}
	nodeFromX := make(map[int64]bool)
	for _, node := range nodes {
		for _, in := range node.inputs {
			if fromX[in.ID] {
				nodeFromX[node.id] = true
				break
			}
		}
		if nodeFromX[node.id] {
			for _, o := range node.outputs {
				fromX[o.ID] = true
			}
		}
	}
	toY := map[int64]bool{y.ID: true}
	nodeToY := make(map[int64]bool)
	for i := len(nodes) - 1; i >= 0; i-- {
		node := nodes[i]
		for _, o := range node.outputs {
			if toY[o.ID] {
				nodeToY[node.id] = true
				for _, in := range node.inputs {
					toY[in.ID] = true
				}
				break
			}
		}
	}
	var filtered []*tapeNode
	for _, node := range nodes {
		if !nodeFromX[node.id] || !nodeToY[node.id] {
			continue
		}
		pruned := *node
		pruned.inputs = make(kernels.NamedTensors, len(node.inputs))
		for name, in := range node.inputs {
			if fromX[in.ID] {
				pruned.inputs[name] = in
			}
		}
		filtered = append(filtered, &pruned)
	}
	return filtered
}
