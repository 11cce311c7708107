// Package backend defines the contract a compute backend must satisfy to
// plug into the Sable engine: raw buffer storage keyed by DataID with
// reference counting, value read-back, ownership transfer, and timing.
//
// The concrete math kernels a backend provides are registered separately in
// the kernel registry; this package only covers storage and lifecycle.
package backend

import (
	"context"
	"time"

	"github.com/sable-ml/sable/internal/tensor"
)

// Backend is implemented by each compute backend.
//
// Buffer lifetime follows a reference-count contract: IncRef and DisposeData
// adjust the count, and DisposeData reports true only on the call that
// actually frees storage. The engine's counters rely on that report.
//
// A backend allocates DataIDs from the arena the engine hands its factory,
// so ids stay unique across backends and can transfer ownership on a move.
type Backend interface {
	// Write allocates storage for the values and returns its id.
	// It panics if the values length does not match the shape.
	Write(values tensor.Values, shape tensor.Shape, dtype tensor.DataType) tensor.DataID

	// Read returns the buffer's values, waiting for any in-flight device
	// work. ReadSync is the synchronous variant; it panics on an unknown id.
	Read(ctx context.Context, id tensor.DataID) (tensor.Values, error)
	ReadSync(id tensor.DataID) tensor.Values

	// DisposeData decrements the buffer's reference count and returns true
	// iff storage was actually freed. With force set, the buffer is dropped
	// immediately but its DataID slot stays live so a new owner can adopt
	// it; only a data move uses force.
	// Disposing an unknown id is a safe no-op returning false.
	DisposeData(id tensor.DataID, force bool) bool

	// IncRef increments the buffer's reference count.
	IncRef(id tensor.DataID)

	// RefCount returns the buffer's current reference count.
	RefCount(id tensor.DataID) int

	// Move accepts ownership of a buffer moved from another backend,
	// preserving its id and reference count.
	Move(id tensor.DataID, values tensor.Values, shape tensor.Shape, dtype tensor.DataType, refCount int)

	// NumDataIDs returns the number of buffers the backend holds, counting
	// internal sub-buffers (a complex64 tensor counts as three).
	NumDataIDs() int

	// Memory reports backend-specific memory info.
	Memory() MemoryInfo

	// Time measures the execution of f, including any device work it queues.
	Time(ctx context.Context, f func()) (KernelTiming, error)

	// Dispose releases every buffer and all backend resources.
	Dispose()
}

// MemoryInfo is the backend-reported portion of a memory snapshot.
type MemoryInfo struct {
	// Unreliable marks the byte counts as approximate, with Reasons
	// explaining why (e.g. opaque device allocations).
	Unreliable bool
	Reasons    []string
}

// KernelTiming is the result of timing a kernel execution.
type KernelTiming struct {
	WallTime time.Duration
	// Extra carries backend-reported diagnostics keyed by name.
	Extra map[string]string
}

// InitResult is the outcome of an asynchronous backend initialization.
type InitResult struct {
	Backend Backend
	Err     error
}

// Init is the two-case result of constructing a backend: either the backend
// is ready immediately or initialization completes later on Pending.
// Exactly one of the fields is set.
type Init struct {
	Backend Backend
	Pending <-chan InitResult
}

// Ready wraps a synchronously constructed backend.
func Ready(b Backend) Init {
	return Init{Backend: b}
}

// Async wraps a pending initialization.
func Async(ch <-chan InitResult) Init {
	return Init{Pending: ch}
}

// Factory constructs a backend. The arena is the engine's shared DataID
// allocator. A factory error means the backend is unavailable, which the
// registry treats as a fallback signal, not a fatal condition.
type Factory func(arena *tensor.DataArena) (Init, error)
