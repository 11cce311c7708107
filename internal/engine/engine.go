// Package engine implements the Sable execution engine: it dispatches
// kernels to the active compute backend, tracks tensor memory across
// backends with reference counting, records a tape of executed operations
// for reverse-mode automatic differentiation, and provides scoped cleanup of
// intermediate tensors.
//
// An Engine is an explicit value: construct one with New and pass it where
// it is needed. It is not safe for concurrent use; all state mutation must
// happen on one goroutine. The only asynchronous points are backend
// initialization and context-aware value read-back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// Environment variables consulted by ConfigFromEnv.
const (
	// EnvTest enables per-kernel memory-leak checking (too expensive to
	// run unconditionally).
	EnvTest = "SABLE_TEST"
	// EnvDebug enables per-kernel profiling and logging.
	EnvDebug = "SABLE_DEBUG"
	// EnvBackend names the preferred backend for automatic selection.
	EnvBackend = "SABLE_BACKEND"
)

// Config controls engine diagnostics and backend selection.
type Config struct {
	// CheckLeaks snapshots backend buffer counts around every kernel and
	// fails on unaccounted allocations.
	CheckLeaks bool
	// Debug times every kernel execution and logs it.
	Debug bool
	// PreferredBackend, if registered, is tried first during automatic
	// backend selection, ahead of priority order.
	PreferredBackend string
	// Logger receives registry warnings and debug output.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// ConfigFromEnv builds a Config from the SABLE_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		CheckLeaks:       envBool(EnvTest),
		Debug:            envBool(EnvDebug),
		PreferredBackend: os.Getenv(EnvBackend),
	}
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

// tensorMeta is the per-DataID record of the metadata store: which backend
// owns the buffer, plus dtype, shape and byte size. Exactly one entry exists
// per live DataID.
type tensorMeta struct {
	backend     backend.Backend
	backendName string
	dtype       tensor.DataType
	shape       tensor.Shape
	bytes       int
}

// engineState is the engine's mutable state. Reset replaces the whole value
// rather than mutating it.
type engineState struct {
	tensorInfo map[tensor.DataID]*tensorMeta

	numBytes         int
	numTensors       int
	numStringTensors int
	numDataBuffers   int

	nextTensorID   int64
	nextTapeNodeID int64
	nextScopeID    int64

	gradientDepth int
	kernelDepth   int

	scopeStack []*scope
	activeTape []*tapeNode

	// numDataMovesStack has one counter per in-progress kernel execution,
	// so leak detection can net out transient cross-backend moves.
	numDataMovesStack []int

	variables *orderedmap.OrderedMap[string, *tensor.Variable]

	profile *ProfileInfo
}

func newEngineState() *engineState {
	return &engineState{
		tensorInfo: make(map[tensor.DataID]*tensorMeta),
		variables:  orderedmap.New[string, *tensor.Variable](),
	}
}

// Engine is the composition root: it owns the backend registry, the tensor
// metadata store, the scope stack and the tape.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	kernels *kernels.Registry
	arena   *tensor.DataArena

	entries   map[string]*backendEntry
	nextOrder int
	initGen   int

	activeName string
	active     backend.Backend

	state *engineState
}

// New creates an engine with no backends registered. The standard gradient
// configurations are pre-registered; backends and their kernels are wired by
// RegisterBackend.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		kernels: kernels.NewRegistry(),
		arena:   tensor.NewDataArena(),
		entries: make(map[string]*backendEntry),
		state:   newEngineState(),
	}
	kernels.RegisterStandardGradients(e.kernels)
	return e
}

// Kernels returns the engine's kernel registry.
func (e *Engine) Kernels() *kernels.Registry {
	return e.kernels
}

// MakeTensor allocates storage on the active backend and returns a tracked
// tensor handle. The dtype is taken from the values' concrete type.
func (e *Engine) MakeTensor(values tensor.Values, shape tensor.Shape) (*tensor.Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("make tensor: %w", err)
	}
	if values.Len() != shape.NumElements() {
		return nil, fmt.Errorf("make tensor: shape %v requires %d elements, got %d",
			shape, shape.NumElements(), values.Len())
	}
	b := e.Backend()
	dtype := values.DType()
	id := b.Write(values, shape, dtype)
	t := e.newHandle(id, shape, dtype)
	stringBytes := 0
	if dtype == tensor.String {
		stringBytes = tensor.ByteLength(values)
	}
	e.trackTensor(t, b, e.activeName, stringBytes, false)
	return t, nil
}

// newHandle builds a tensor handle with a fresh process-unique id.
func (e *Engine) newHandle(id tensor.DataID, shape tensor.Shape, dtype tensor.DataType) *tensor.Tensor {
	e.state.nextTensorID++
	return &tensor.Tensor{
		ID:    e.state.nextTensorID,
		Shape: shape.Clone(),
		DType: dtype,
		Data:  id,
	}
}

// makeTensorFromInfo wraps a kernel output into a tracked tensor handle.
// String outputs that share an already-tracked buffer inherit its encoded
// byte length, so disposal subtracts what tracking added.
func (e *Engine) makeTensorFromInfo(info tensor.Info, b backend.Backend) *tensor.Tensor {
	t := e.newHandle(info.Data, info.Shape, info.DType)
	stringBytes := 0
	if info.DType == tensor.String {
		if meta, ok := e.state.tensorInfo[info.Data]; ok {
			stringBytes = meta.bytes
		}
	}
	e.trackTensor(t, b, e.activeName, stringBytes, false)
	return t
}

// Clone returns a new handle sharing the tensor's buffer, with the backend
// reference count bumped so either handle can be disposed independently.
func (e *Engine) Clone(t *tensor.Tensor) *tensor.Tensor {
	meta := e.mustMeta(t)
	nt := e.newHandle(t.Data, t.Shape, t.DType)
	meta.backend.IncRef(t.Data)
	stringBytes := 0
	if t.DType == tensor.String {
		stringBytes = meta.bytes
	}
	e.trackTensor(nt, meta.backend, meta.backendName, stringBytes, false)
	return nt
}

// ReadSync returns the tensor's values. It fails if the tensor has been
// disposed.
func (e *Engine) ReadSync(t *tensor.Tensor) (tensor.Values, error) {
	meta, err := e.liveMeta(t)
	if err != nil {
		return nil, err
	}
	return meta.backend.ReadSync(t.Data), nil
}

// Read returns the tensor's values, waiting for any in-flight device work.
func (e *Engine) Read(ctx context.Context, t *tensor.Tensor) (tensor.Values, error) {
	meta, err := e.liveMeta(t)
	if err != nil {
		return nil, err
	}
	return meta.backend.Read(ctx, t.Data)
}

// IsDisposed reports whether the tensor's storage has been released.
func (e *Engine) IsDisposed(t *tensor.Tensor) bool {
	_, err := e.liveMeta(t)
	return err != nil
}

func (e *Engine) liveMeta(t *tensor.Tensor) (*tensorMeta, error) {
	if !t.Data.Valid() {
		return nil, fmt.Errorf("tensor #%d is disposed", t.ID)
	}
	meta, ok := e.state.tensorInfo[t.Data]
	if !ok {
		return nil, fmt.Errorf("tensor #%d is disposed", t.ID)
	}
	return meta, nil
}

func (e *Engine) mustMeta(t *tensor.Tensor) *tensorMeta {
	meta, err := e.liveMeta(t)
	if err != nil {
		panic(err.Error())
	}
	return meta
}
