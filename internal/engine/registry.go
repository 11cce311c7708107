package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sable-ml/sable/internal/backend"
	"github.com/sable-ml/sable/internal/kernels"
	"github.com/sable-ml/sable/internal/tensor"
)

// BackendConfig describes a backend available for registration. The factory
// is not invoked until the backend is first needed.
type BackendConfig struct {
	Name string
	// Priority orders automatic selection, higher first. Ties fall back
	// to registration order.
	Priority int
	Factory  backend.Factory
	// Setup registers the backend's kernels once the instance exists.
	Setup func(reg *kernels.Registry, b backend.Backend)
	// Teardown runs before the instance is disposed on removal or reset.
	Teardown func(b backend.Backend)
}

// backendEntry is the registry's record of one backend: its config plus
// lazily-created instance and any in-flight async initialization.
type backendEntry struct {
	cfg   BackendConfig
	order int

	instance backend.Backend
	failed   bool

	pending    <-chan backend.InitResult
	pendingGen int

	wired bool
}

// RegisterBackend adds a backend factory under the given name. It returns
// false (and logs a warning) if the name is already taken; the existing
// registration wins.
func (e *Engine) RegisterBackend(cfg BackendConfig) bool {
	if cfg.Name == "" {
		panic("backend registration requires a name")
	}
	if cfg.Factory == nil {
		panic(fmt.Sprintf("backend %q registered without a factory", cfg.Name))
	}
	if _, ok := e.entries[cfg.Name]; ok {
		e.log.Warn("backend already registered, ignoring", "backend", cfg.Name)
		return false
	}
	e.entries[cfg.Name] = &backendEntry{cfg: cfg, order: e.nextOrder}
	e.nextOrder++
	return true
}

// SortedBackends returns the registered backend names in selection order:
// priority descending, registration order breaking ties. It panics if
// nothing is registered, since an engine without backends cannot run.
func (e *Engine) SortedBackends() []string {
	if len(e.entries) == 0 {
		panic("no backend found in registry, register one before running kernels")
	}
	names := make([]string, 0, len(e.entries))
	for name := range e.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := e.entries[names[i]], e.entries[names[j]]
		if a.cfg.Priority != b.cfg.Priority {
			return a.cfg.Priority > b.cfg.Priority
		}
		return a.order < b.order
	})
	return names
}

// BackendName returns the active backend's name, selecting one if needed.
func (e *Engine) BackendName() string {
	e.Backend()
	return e.activeName
}

// Backend returns the active backend instance. If none is active it walks
// the registry in selection order, activating the first backend that
// initializes successfully, and panics only if every candidate fails.
func (e *Engine) Backend() backend.Backend {
	if e.active != nil {
		return e.active
	}
	names := e.SortedBackends()
	if p := e.cfg.PreferredBackend; p != "" {
		if _, ok := e.entries[p]; ok {
			reordered := []string{p}
			for _, n := range names {
				if n != p {
					reordered = append(reordered, n)
				}
			}
			names = reordered
		} else {
			e.log.Warn("preferred backend not registered", "backend", p)
		}
	}
	var failures []string
	for _, name := range names {
		if err := e.SetBackend(name); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		return e.active
	}
	panic(fmt.Sprintf("could not initialize any registered backend: %s",
		strings.Join(failures, "; ")))
}

// SetBackend makes the named backend active, blocking on asynchronous
// initialization if necessary. Initialization failure is returned as an
// error so callers can fall back to another backend; an unknown name is a
// programming error and panics.
func (e *Engine) SetBackend(name string) error {
	entry, ok := e.entries[name]
	if !ok {
		panic(fmt.Sprintf("backend %q not found in registry", name))
	}
	inst, err := e.initBackend(entry, true)
	if err != nil {
		return err
	}
	e.activeName = name
	e.active = inst
	e.activate(name, entry)
	return nil
}

// FindBackend returns the named backend's instance if it exists or can be
// created, triggering initialization as a side effect. It returns nil for
// unknown names, failed initialization, and async initialization that has
// not completed yet.
func (e *Engine) FindBackend(name string) backend.Backend {
	entry, ok := e.entries[name]
	if !ok {
		return nil
	}
	inst, err := e.initBackend(entry, false)
	if err != nil {
		return nil
	}
	return inst
}

// RemoveBackend deletes a backend from the registry, unregistering its
// kernels and disposing any live instance. In-flight initializations are
// invalidated so a late completion cannot resurrect the backend.
func (e *Engine) RemoveBackend(name string) {
	entry, ok := e.entries[name]
	if !ok {
		panic(fmt.Sprintf("backend %q not found in registry", name))
	}
	e.initGen++
	e.kernels.RemoveBackendKernels(name, entry.instance)
	if entry.instance != nil {
		if entry.cfg.Teardown != nil {
			entry.cfg.Teardown(entry.instance)
		}
		entry.instance.Dispose()
	}
	delete(e.entries, name)
	if e.activeName == name {
		e.activeName = ""
		e.active = nil
	}
}

// initBackend returns the entry's instance, creating it on first use. With
// wait set it blocks on async initialization; otherwise a pending init
// yields (nil, nil) and the caller should try again later.
func (e *Engine) initBackend(entry *backendEntry, wait bool) (backend.Backend, error) {
	if entry.instance != nil {
		return entry.instance, nil
	}
	if entry.failed {
		return nil, fmt.Errorf("backend %q previously failed to initialize", entry.cfg.Name)
	}
	if entry.pending == nil {
		init, err := entry.cfg.Factory(e.arena)
		if err != nil {
			entry.failed = true
			e.log.Warn("backend initialization failed", "backend", entry.cfg.Name, "error", err)
			return nil, err
		}
		if init.Backend != nil {
			entry.instance = init.Backend
			return entry.instance, nil
		}
		entry.pending = init.Pending
		entry.pendingGen = e.initGen
	}
	var res backend.InitResult
	if wait {
		res = <-entry.pending
	} else {
		select {
		case res = <-entry.pending:
		default:
			return nil, nil
		}
	}
	entry.pending = nil
	if entry.pendingGen != e.initGen {
		// The registry moved on (reset or removal) while this init was
		// in flight. Discard the result.
		if res.Backend != nil {
			res.Backend.Dispose()
		}
		return nil, fmt.Errorf("backend %q initialization was invalidated", entry.cfg.Name)
	}
	if res.Err != nil {
		entry.failed = true
		e.log.Warn("backend initialization failed", "backend", entry.cfg.Name, "error", res.Err)
		return nil, res.Err
	}
	entry.instance = res.Backend
	return entry.instance, nil
}

// activate wires the backend's kernels into the registry and runs their
// per-kernel setup hooks. Wiring happens once per instance.
func (e *Engine) activate(name string, entry *backendEntry) {
	if entry.wired {
		return
	}
	entry.wired = true
	if entry.cfg.Setup != nil {
		entry.cfg.Setup(e.kernels, entry.instance)
	}
	for _, k := range e.kernels.KernelsForBackend(name) {
		if k.Setup != nil {
			k.Setup(entry.instance)
		}
	}
}

// Reset disposes all variables and backend instances and replaces the
// engine's state wholesale. Registered factories survive, so backends are
// re-created lazily on next use.
func (e *Engine) Reset() {
	e.DisposeVariables()
	e.initGen++
	for name, entry := range e.entries {
		e.kernels.RemoveBackendKernels(name, entry.instance)
		if entry.instance != nil {
			if entry.cfg.Teardown != nil {
				entry.cfg.Teardown(entry.instance)
			}
			entry.instance.Dispose()
			entry.instance = nil
		}
		entry.pending = nil
		entry.failed = false
		entry.wired = false
	}
	e.activeName = ""
	e.active = nil
	e.arena = tensor.NewDataArena()
	e.state = newEngineState()
}
