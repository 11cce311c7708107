package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/backend/cpu"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{
		CheckLeaks: true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	e.RegisterBackend(BackendConfig{
		Name:    cpu.Name,
		Factory: cpu.Factory(),
		Setup: func(reg *kernels.Registry, _ backend.Backend) {
			cpu.Register(reg)
		},
	})
	return e
}

func registerNamed(e *Engine, name string, priority int) bool {
	return e.RegisterBackend(BackendConfig{
		Name:     name,
		Priority: priority,
		Factory:  cpu.Factory(),
	})
}

func TestRegisterBackendDuplicateIsIgnored(t *testing.T) {
	e := newTestEngine(t)

	assert.True(t, registerNamed(e, "alt", 0))
	assert.False(t, registerNamed(e, "alt", 99), "second registration loses")
}

func TestSortedBackendsOrder(t *testing.T) {
	e := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	registerNamed(e, "low", 1)
	registerNamed(e, "high", 5)
	registerNamed(e, "alsoHigh", 5)

	// Priority descending, registration order breaking the tie.
	assert.Equal(t, []string{"high", "alsoHigh", "low"}, e.SortedBackends())
}

func TestSortedBackendsEmptyPanics(t *testing.T) {
	e := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.Panics(t, func() { e.SortedBackends() })
}

func TestBackendFallsBackWhenInitFails(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterBackend(BackendConfig{
		Name:     "broken",
		Priority: 100,
		Factory: func(arena *tensor.DataArena) (backend.Init, error) {
			return backend.Init{}, errors.New("no device")
		},
	})

	// The failing high-priority backend is skipped, not fatal.
	b := e.Backend()
	require.NotNil(t, b)
	assert.Equal(t, cpu.Name, e.BackendName())
}

func TestBackendPanicsWhenAllFail(t *testing.T) {
	e := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	e.RegisterBackend(BackendConfig{
		Name: "broken",
		Factory: func(arena *tensor.DataArena) (backend.Init, error) {
			return backend.Init{}, errors.New("no device")
		},
	})

	assert.Panics(t, func() { e.Backend() })
}

func TestPreferredBackendWinsOverPriority(t *testing.T) {
	e := New(Config{
		PreferredBackend: "second",
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	registerNamed(e, "first", 10)
	registerNamed(e, "second", 0)

	e.Backend()
	assert.Equal(t, "second", e.BackendName())
}

func TestAsyncInitialization(t *testing.T) {
	e := newTestEngine(t)

	ch := make(chan backend.InitResult, 1)
	var arenaSeen *tensor.DataArena
	e.RegisterBackend(BackendConfig{
		Name:     "slow",
		Priority: 10,
		Factory: func(arena *tensor.DataArena) (backend.Init, error) {
			arenaSeen = arena
			return backend.Async(ch), nil
		},
	})

	// Not complete yet: FindBackend triggers init but returns nil.
	assert.Nil(t, e.FindBackend("slow"))

	ch <- backend.InitResult{Backend: cpu.New(arenaSeen)}
	assert.NotNil(t, e.FindBackend("slow"))

	require.NoError(t, e.SetBackend("slow"))
	assert.Equal(t, "slow", e.BackendName())
}

func TestAsyncInitFailureIsAnError(t *testing.T) {
	e := newTestEngine(t)

	ch := make(chan backend.InitResult, 1)
	ch <- backend.InitResult{Err: errors.New("driver missing")}
	e.RegisterBackend(BackendConfig{
		Name: "slow",
		Factory: func(arena *tensor.DataArena) (backend.Init, error) {
			return backend.Async(ch), nil
		},
	})

	err := e.SetBackend("slow")
	require.Error(t, err)
	assert.Nil(t, e.FindBackend("slow"), "failed backend stays failed")
}

func TestStaleAsyncInitIsInvalidated(t *testing.T) {
	e := newTestEngine(t)

	ch := make(chan backend.InitResult, 1)
	var arenaSeen *tensor.DataArena
	e.RegisterBackend(BackendConfig{
		Name:     "slow",
		Priority: 10,
		Factory: func(arena *tensor.DataArena) (backend.Init, error) {
			arenaSeen = arena
			return backend.Async(ch), nil
		},
	})
	registerNamed(e, "doomed", 0)

	// Start the async init, then mutate the registry while it is in
	// flight. Any registry removal invalidates in-flight inits.
	assert.Nil(t, e.FindBackend("slow"))
	e.RemoveBackend("doomed")

	ch <- backend.InitResult{Backend: cpu.New(arenaSeen)}
	assert.Nil(t, e.FindBackend("slow"), "stale init result must be discarded")
}

func TestSetBackendUnknownPanics(t *testing.T) {
	e := newTestEngine(t)
	assert.Panics(t, func() { _ = e.SetBackend("nope") })
}

func TestRemoveBackendUnknownPanics(t *testing.T) {
	e := newTestEngine(t)
	assert.Panics(t, func() { e.RemoveBackend("nope") })
}

func TestRemoveActiveBackend(t *testing.T) {
	e := newTestEngine(t)
	registerNamed(e, "alt", -1)

	require.NoError(t, e.SetBackend(cpu.Name))
	e.RemoveBackend(cpu.Name)

	// Selection falls through to the remaining backend.
	assert.Equal(t, "alt", e.BackendName())
}

func TestFindBackendUnknownReturnsNil(t *testing.T) {
	e := newTestEngine(t)
	assert.Nil(t, e.FindBackend("nope"))
}
