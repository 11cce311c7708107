// Package webgpu implements a GPU compute backend on top of go-webgpu
// (github.com/go-webgpu/webgpu), which provides zero-CGO WebGPU bindings.
//
// Buffers live in GPU storage buffers; reads go through a staging buffer.
// Only float32 and int32 payloads are supported. The backend initializes
// asynchronously because adapter and device acquisition can take a while
// and fails entirely on machines without the native wgpu library.
package webgpu

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/tensor"
)

// Name is the registry name of this backend.
const Name = "webgpu"

// buffer is one stored tensor payload on the GPU.
type buffer struct {
	buf      *wgpu.Buffer
	size     uint64
	shape    tensor.Shape
	dtype    tensor.DataType
	refCount int
}

// Backend stores tensor buffers in GPU memory and runs WGSL compute
// kernels over them.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	adapterInfo *wgpu.AdapterInfoGo

	// Shader and pipeline caches, keyed by kernel name.
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	arena *tensor.DataArena
	data  map[tensor.DataID]*buffer
}

var _ backend.Backend = (*Backend)(nil)

// New acquires a WebGPU adapter and device. It returns an error when the
// native wgpu library or a usable GPU is missing.
func New(arena *tensor.DataArena) (b *Backend, err error) {
	// RequestAdapter panics rather than erroring when wgpu_native is not
	// installed.
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, fmt.Errorf("webgpu: failed to create instance: %w", instanceErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", adapterErr)
	}
	adapterInfo, _ := adapter.GetInfo()

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", deviceErr)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	return &Backend{
		instance:    instance,
		adapter:     adapter,
		device:      device,
		queue:       queue,
		adapterInfo: adapterInfo,
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		arena:       arena,
		data:        make(map[tensor.DataID]*buffer),
	}, nil
}

// Factory builds the registry factory for this backend. Initialization runs
// in a background goroutine, since adapter acquisition can block and
// commonly fails on headless machines.
func Factory() backend.Factory {
	return func(arena *tensor.DataArena) (backend.Init, error) {
		ch := make(chan backend.InitResult, 1)
		go func() {
			b, err := New(arena)
			if err != nil {
				ch <- backend.InitResult{Err: err}
				return
			}
			ch <- backend.InitResult{Backend: b}
		}()
		return backend.Async(ch), nil
	}
}

func supported(dtype tensor.DataType) bool {
	return dtype == tensor.Float32 || dtype == tensor.Int32
}

// Write uploads the values into a fresh GPU storage buffer.
func (b *Backend) Write(values tensor.Values, shape tensor.Shape, dtype tensor.DataType) tensor.DataID {
	if !supported(dtype) {
		panic(fmt.Sprintf("webgpu: unsupported dtype %s", dtype))
	}
	if values.DType() != dtype {
		panic(fmt.Sprintf("webgpu: values are %s, expected %s", values.DType(), dtype))
	}
	if values.Len() != shape.NumElements() {
		panic(fmt.Sprintf("webgpu: shape %v requires %d elements, got %d",
			shape, shape.NumElements(), values.Len()))
	}
	id := b.arena.Alloc()
	b.store(id, values, shape, dtype, 1)
	return id
}

// Move adopts a buffer transferred from another backend.
func (b *Backend) Move(id tensor.DataID, values tensor.Values, shape tensor.Shape, dtype tensor.DataType, refCount int) {
	if !supported(dtype) {
		panic(fmt.Sprintf("webgpu: cannot adopt buffer of unsupported dtype %s", dtype))
	}
	b.store(id, values, shape, dtype, refCount)
}

func (b *Backend) store(id tensor.DataID, values tensor.Values, shape tensor.Shape, dtype tensor.DataType, refCount int) {
	raw := encodeValues(values)
	buf := b.createBuffer(raw, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	b.data[id] = &buffer{
		buf:      buf,
		size:     uint64(len(raw)),
		shape:    shape.Clone(),
		dtype:    dtype,
		refCount: refCount,
	}
}

// ReadSync downloads the buffer's contents. It panics on an unknown id.
func (b *Backend) ReadSync(id tensor.DataID) tensor.Values {
	values, err := b.read(id)
	if err != nil {
		panic(err.Error())
	}
	return values
}

// Read downloads the buffer's contents, honoring context cancellation
// before the transfer starts.
func (b *Backend) Read(ctx context.Context, id tensor.DataID) (tensor.Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.read(id)
}

func (b *Backend) read(id tensor.DataID) (tensor.Values, error) {
	entry, ok := b.data[id]
	if !ok {
		return nil, fmt.Errorf("webgpu: unknown data id %s", id)
	}
	raw, err := b.readBuffer(entry.buf, entry.size)
	if err != nil {
		return nil, err
	}
	return decodeValues(raw, entry.dtype), nil
}

// DisposeData decrements the reference count, releasing the GPU buffer when
// it reaches zero. With force set the buffer is dropped immediately but the
// arena slot survives for adoption after a move.
func (b *Backend) DisposeData(id tensor.DataID, force bool) bool {
	entry, ok := b.data[id]
	if !ok {
		return false
	}
	if !force && entry.refCount > 1 {
		entry.refCount--
		return false
	}
	entry.buf.Release()
	delete(b.data, id)
	if !force {
		b.arena.Release(id)
	}
	return true
}

func (b *Backend) IncRef(id tensor.DataID) {
	entry, ok := b.data[id]
	if !ok {
		panic(fmt.Sprintf("webgpu: unknown data id %s", id))
	}
	entry.refCount++
}

func (b *Backend) RefCount(id tensor.DataID) int {
	if entry, ok := b.data[id]; ok {
		return entry.refCount
	}
	return 0
}

func (b *Backend) NumDataIDs() int {
	return len(b.data)
}

// Memory reports GPU usage as unreliable: the driver pads and pools
// allocations, so buffer sizes undercount true device memory.
func (b *Backend) Memory() backend.MemoryInfo {
	return backend.MemoryInfo{
		Unreliable: true,
		Reasons: []string{
			"GPU driver pads and pools buffer allocations",
		},
	}
}

// Time measures f in wall-clock terms, draining the queue afterwards so
// queued device work is included.
func (b *Backend) Time(ctx context.Context, f func()) (backend.KernelTiming, error) {
	if err := ctx.Err(); err != nil {
		return backend.KernelTiming{}, err
	}
	start := time.Now()
	f()
	timing := backend.KernelTiming{
		WallTime: time.Since(start),
		Extra:    map[string]string{"backend": Name},
	}
	if b.adapterInfo != nil {
		timing.Extra["adapter"] = b.adapterInfo.Device
	}
	return timing, nil
}

// Dispose releases every buffer and all device resources.
func (b *Backend) Dispose() {
	for id, entry := range b.data {
		entry.buf.Release()
		b.arena.Release(id)
		delete(b.data, id)
	}
	b.mu.Lock()
	for _, p := range b.pipelines {
		p.Release()
	}
	b.pipelines = nil
	for _, s := range b.shaders {
		s.Release()
	}
	b.shaders = nil
	b.mu.Unlock()

	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

func (b *Backend) lookup(id tensor.DataID) *buffer {
	entry, ok := b.data[id]
	if !ok {
		panic(fmt.Sprintf("webgpu: unknown data id %s", id))
	}
	return entry
}

// encodeValues returns the little-endian byte payload of float32 or int32
// values, as GPU storage buffers expect.
func encodeValues(values tensor.Values) []byte {
	switch v := values.(type) {
	case tensor.Float32s:
		if len(v) == 0 {
			return make([]byte, 0)
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
	case tensor.Int32s:
		if len(v) == 0 {
			return make([]byte, 0)
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
	default:
		panic(fmt.Sprintf("webgpu: unsupported values type %T", values))
	}
}

func decodeValues(raw []byte, dtype tensor.DataType) tensor.Values {
	n := len(raw) / 4
	switch dtype {
	case tensor.Float32:
		out := make(tensor.Float32s, n)
		if n > 0 {
			copy(unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), len(raw)), raw)
		}
		return out
	case tensor.Int32:
		out := make(tensor.Int32s, n)
		if n > 0 {
			copy(unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), len(raw)), raw)
		}
		return out
	default:
		panic(fmt.Sprintf("webgpu: unsupported dtype %s", dtype))
	}
}
