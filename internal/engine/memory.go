package engine

import (
	"fmt"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/tensor"
)

// MemoryInfo is a snapshot of the engine's memory accounting, plus the
// active backend's view of its own allocations.
type MemoryInfo struct {
	// NumBytes counts the logical payload of all live tensor handles.
	// String tensors count their encoded byte length; complex64 tensors
	// are accounted through their float32 component buffers.
	NumBytes int
	// NumTensors counts live handles, including handles sharing a buffer.
	NumTensors int
	// NumStringTensors counts the live string-typed handles.
	NumStringTensors int
	// NumDataBuffers counts distinct live DataIDs.
	NumDataBuffers int
	// Unreliable is set when the active backend cannot account for its
	// allocations precisely; Reasons explains why.
	Unreliable bool
	Reasons    []string
}

// Memory returns the engine's current memory accounting.
func (e *Engine) Memory() MemoryInfo {
	s := e.state
	info := MemoryInfo{
		NumBytes:         s.numBytes,
		NumTensors:       s.numTensors,
		NumStringTensors: s.numStringTensors,
		NumDataBuffers:   s.numDataBuffers,
	}
	if e.active != nil {
		bm := e.active.Memory()
		info.Unreliable = bm.Unreliable
		info.Reasons = bm.Reasons
	}
	return info
}

// trackTensor registers a tensor handle in the metadata store and in the
// innermost tidy scope. Byte accounting is per handle: string tensors use
// the encoded length passed by the caller, complex64 handles contribute
// nothing because their float32 component buffers already did.
func (e *Engine) trackTensor(t *tensor.Tensor, b backend.Backend, backendName string, stringBytes int, isVariable bool) {
	s := e.state
	s.numTensors++
	bytes := 0
	switch t.DType {
	case tensor.String:
		s.numStringTensors++
		bytes = stringBytes
	case tensor.Complex64:
	default:
		bytes = t.Size() * t.DType.Size()
	}
	s.numBytes += bytes
	if _, ok := s.tensorInfo[t.Data]; !ok {
		s.numDataBuffers++
		s.tensorInfo[t.Data] = &tensorMeta{
			backend:     b,
			backendName: backendName,
			dtype:       t.DType,
			shape:       t.Shape.Clone(),
			bytes:       bytes,
		}
	}
	if !isVariable {
		e.trackInScope(t)
	}
}

// Dispose releases the tensor handle and, if this was the last reference,
// its backend storage. Disposing twice is a no-op.
func (e *Engine) Dispose(t *tensor.Tensor) {
	e.disposeTensor(t)
}

func (e *Engine) disposeTensor(t *tensor.Tensor) {
	if !t.Data.Valid() {
		return
	}
	meta, ok := e.state.tensorInfo[t.Data]
	if !ok {
		return
	}
	s := e.state
	s.numTensors--
	switch t.DType {
	case tensor.String:
		s.numStringTensors--
		s.numBytes -= meta.bytes
	case tensor.Complex64:
	default:
		s.numBytes -= t.Size() * t.DType.Size()
	}
	if meta.backend.DisposeData(t.Data, false) {
		s.numDataBuffers--
		delete(s.tensorInfo, t.Data)
	}
	t.Data = tensor.DataID{}
	t.Kept = false
	t.ScopeID = 0
}

// moveData transfers a buffer to another backend, preserving its DataID and
// reference count. The source copy is force-disposed so the arena slot stays
// live for the destination to adopt.
func (e *Engine) moveData(dest backend.Backend, destName string, id tensor.DataID) {
	meta, ok := e.state.tensorInfo[id]
	if !ok {
		panic(fmt.Sprintf("cannot move unknown data id %s", id))
	}
	values := meta.backend.ReadSync(id)
	refCount := meta.backend.RefCount(id)
	meta.backend.DisposeData(id, true)
	dest.Move(id, values, meta.shape, meta.dtype, refCount)
	meta.backend = dest
	meta.backendName = destName
	if n := len(e.state.numDataMovesStack); n > 0 {
		e.state.numDataMovesStack[n-1]++
	}
}

// checkKernelForMemLeak compares the backend's buffer count after a kernel
// against what the kernel is allowed to have allocated: one buffer per
// output (three for complex64, which carries two float32 components), plus
// any cross-backend moves observed during execution.
func (e *Engine) checkKernelForMemLeak(kernelName string, numDataIDsBefore int, outputs []tensor.Info) {
	b := e.active
	if b == nil {
		return
	}
	expected := 0
	for _, o := range outputs {
		if o.DType == tensor.Complex64 {
			expected += 3
		} else {
			expected++
		}
	}
	moves := e.state.numDataMovesStack[len(e.state.numDataMovesStack)-1]
	leaked := b.NumDataIDs() - numDataIDsBefore - expected - moves
	if leaked > 0 {
		panic(fmt.Sprintf(
			"backend %q has an internal memory leak (%d data ids) after running kernel %q",
			e.activeName, leaked, kernelName))
	}
}
