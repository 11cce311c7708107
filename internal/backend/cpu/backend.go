// Package cpu implements the reference CPU backend: in-memory buffer storage
// keyed by DataID with reference counting, plus the standard kernel set.
package cpu

import (
	"context"
	"fmt"
	"time"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/parallel"
	"github.com/sable-ml/sable/internal/tensor"
)

// Name is the backend's registry name.
const Name = "cpu"

// complexParts references the two float32 component buffers of a complex64
// tensor. The parent entry owns them: they are freed with the parent.
type complexParts struct {
	real tensor.DataID
	imag tensor.DataID
}

type buffer struct {
	values   tensor.Values
	shape    tensor.Shape
	dtype    tensor.DataType
	refCount int
	complex  *complexParts
}

// Backend implements the storage contract on host memory.
type Backend struct {
	arena *tensor.DataArena
	data  map[tensor.DataID]*buffer
	par   parallel.Config
}

// New creates a CPU backend allocating DataIDs from the given arena.
func New(arena *tensor.DataArena) *Backend {
	return &Backend{
		arena: arena,
		data:  make(map[tensor.DataID]*buffer),
		par:   parallel.DefaultConfig(),
	}
}

// Factory builds the registry factory for this backend.
func Factory() backend.Factory {
	return func(arena *tensor.DataArena) (backend.Init, error) {
		return backend.Ready(New(arena)), nil
	}
}

// Write allocates storage for the values and returns its id. A complex64
// tensor is stored as two float32 component buffers plus a parent entry, so
// it contributes three data ids.
func (b *Backend) Write(values tensor.Values, shape tensor.Shape, dtype tensor.DataType) tensor.DataID {
	if values.DType() != dtype {
		panic(fmt.Sprintf("cpu: values dtype %s does not match tensor dtype %s", values.DType(), dtype))
	}
	if values.Len() != shape.NumElements() {
		panic(fmt.Sprintf("cpu: shape %v requires %d elements, got %d", shape, shape.NumElements(), values.Len()))
	}
	id := b.arena.Alloc()
	b.store(id, values, shape, dtype, 1)
	return id
}

func (b *Backend) store(id tensor.DataID, values tensor.Values, shape tensor.Shape, dtype tensor.DataType, refCount int) {
	if _, ok := b.data[id]; ok {
		panic(fmt.Sprintf("cpu: %s is already stored", id))
	}
	buf := &buffer{shape: shape.Clone(), dtype: dtype, refCount: refCount}
	if c, ok := values.(tensor.Complex64s); ok {
		re := make(tensor.Float32s, len(c))
		im := make(tensor.Float32s, len(c))
		for i, v := range c {
			re[i] = real(v)
			im[i] = imag(v)
		}
		buf.complex = &complexParts{
			real: b.Write(re, shape, tensor.Float32),
			imag: b.Write(im, shape, tensor.Float32),
		}
	} else {
		buf.values = tensor.CloneValues(values)
	}
	b.data[id] = buf
}

// ReadSync returns the buffer's values. The returned slice aliases backend
// storage and must not be mutated. It panics on an unknown or disposed id.
func (b *Backend) ReadSync(id tensor.DataID) tensor.Values {
	buf, ok := b.data[id]
	if !ok {
		panic(fmt.Sprintf("cpu: read of unknown %s (disposed?)", id))
	}
	if buf.complex != nil {
		re := b.data[buf.complex.real].values.(tensor.Float32s)
		im := b.data[buf.complex.imag].values.(tensor.Float32s)
		out := make(tensor.Complex64s, len(re))
		for i := range re {
			out[i] = complex(re[i], im[i])
		}
		return out
	}
	return buf.values
}

// Read is the context-aware read. CPU reads never block on a device, so
// only an already-cancelled context fails it.
func (b *Backend) Read(ctx context.Context, id tensor.DataID) (tensor.Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := b.data[id]; !ok {
		return nil, fmt.Errorf("cpu: read of unknown %s", id)
	}
	return b.ReadSync(id), nil
}

// DisposeData decrements the reference count and frees storage when it
// reaches zero. With force set the buffer is dropped but the DataID slot
// stays live so ownership can transfer on a move.
func (b *Backend) DisposeData(id tensor.DataID, force bool) bool {
	buf, ok := b.data[id]
	if !ok {
		return false
	}
	if !force && buf.refCount > 1 {
		buf.refCount--
		return false
	}
	if buf.complex != nil {
		b.DisposeData(buf.complex.real, false)
		b.DisposeData(buf.complex.imag, false)
	}
	delete(b.data, id)
	if !force {
		b.arena.Release(id)
	}
	return true
}

// IncRef increments the buffer's reference count.
func (b *Backend) IncRef(id tensor.DataID) {
	buf, ok := b.data[id]
	if !ok {
		panic(fmt.Sprintf("cpu: incRef of unknown %s", id))
	}
	buf.refCount++
}

// RefCount returns the buffer's reference count, or 0 for an unknown id.
func (b *Backend) RefCount(id tensor.DataID) int {
	if buf, ok := b.data[id]; ok {
		return buf.refCount
	}
	return 0
}

// Move adopts a buffer moved from another backend, preserving its id and
// reference count.
func (b *Backend) Move(id tensor.DataID, values tensor.Values, shape tensor.Shape, dtype tensor.DataType, refCount int) {
	b.store(id, values, shape, dtype, refCount)
}

// NumDataIDs returns the number of buffers held, counting complex64
// component buffers.
func (b *Backend) NumDataIDs() int {
	return len(b.data)
}

// Memory reports backend memory info. Host buffers are accounted exactly.
func (b *Backend) Memory() backend.MemoryInfo {
	return backend.MemoryInfo{}
}

// Time measures the wall time of f.
func (b *Backend) Time(ctx context.Context, f func()) (backend.KernelTiming, error) {
	if err := ctx.Err(); err != nil {
		return backend.KernelTiming{}, err
	}
	start := time.Now()
	f()
	return backend.KernelTiming{
		WallTime: time.Since(start),
		Extra:    map[string]string{"backend": Name},
	}, nil
}

// Dispose releases every buffer.
func (b *Backend) Dispose() {
	for id := range b.data {
		b.arena.Release(id)
	}
	b.data = make(map[tensor.DataID]*buffer)
}

func (b *Backend) lookup(t *tensor.Tensor) *buffer {
	buf, ok := b.data[t.Data]
	if !ok {
		panic(fmt.Sprintf("cpu: %s references unknown %s", t, t.Data))
	}
	return buf
}

func (b *Backend) f32(t *tensor.Tensor) tensor.Float32s {
	buf := b.lookup(t)
	v, ok := buf.values.(tensor.Float32s)
	if !ok {
		panic(fmt.Sprintf("cpu: %s is not float32", t))
	}
	return v
}

var _ backend.Backend = (*Backend)(nil)

// forEach runs an element-wise loop over n elements.
func (b *Backend) forEach(n int, f func(i int)) {
	parallel.For(n, f, b.par)
}
