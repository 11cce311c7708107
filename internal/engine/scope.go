package engine

import (
	"fmt"
	"sort"

	"github.com/sable-ml/sable/internal/tensor"
)

// scope is one frame of the tidy stack. Tensors created while the frame is
// innermost are stamped with its id and disposed when it ends, unless kept
// or returned.
type scope struct {
	id      int64
	name    string
	tracked []*tensor.Tensor
}

// StartScope pushes a tidy scope. Every non-kept tensor created before the
// matching EndScope is disposed by it.
func (e *Engine) StartScope(name string) {
	s := e.state
	s.nextScopeID++
	if name == "" {
		name = fmt.Sprintf("unnamed scope %d", s.nextScopeID)
	}
	s.scopeStack = append(s.scopeStack, &scope{id: s.nextScopeID, name: name})
}

// EndScope pops the innermost tidy scope, disposing its tracked tensors.
// Tensors in result escape: they are re-tracked into the parent scope, or
// untracked if none remains.
func (e *Engine) EndScope(result []*tensor.Tensor) {
	s := e.state
	if len(s.scopeStack) == 0 {
		panic("end scope called without a matching start scope")
	}
	cur := s.scopeStack[len(s.scopeStack)-1]
	escaping := make(map[int64]bool, len(result))
	for _, t := range result {
		if t != nil {
			escaping[t.ID] = true
		}
	}
	for _, t := range cur.tracked {
		if t.Kept || escaping[t.ID] {
			continue
		}
		e.disposeTensor(t)
	}
	s.scopeStack = s.scopeStack[:len(s.scopeStack)-1]
	for _, t := range result {
		if t == nil || t.Kept || t.ScopeID != cur.id {
			continue
		}
		e.trackInScope(t)
	}
}

// trackInScope stamps the tensor with the innermost scope and records it
// there. With no open scope the tensor is untracked and must be disposed
// manually.
func (e *Engine) trackInScope(t *tensor.Tensor) {
	s := e.state
	if len(s.scopeStack) == 0 {
		t.ScopeID = 0
		return
	}
	top := s.scopeStack[len(s.scopeStack)-1]
	t.ScopeID = top.id
	top.tracked = append(top.tracked, t)
}

// Keep exempts the tensor from tidy disposal. It must then be disposed
// manually.
func (e *Engine) Keep(t *tensor.Tensor) *tensor.Tensor {
	t.Kept = true
	return t
}

// scopedRun brackets f between start and end, running end even when f
// panics.
func scopedRun[T any](start, end func(), f func() T) T {
	start()
	defer end()
	return f()
}

// Tidy runs f inside a disposal scope. Every tensor created by f is disposed
// when f returns, except tensors reachable from the result (as reported by
// TensorsIn) and tensors marked with Keep.
func Tidy[T any](e *Engine, name string, f func() T) T {
	var result T
	scopedRun(
		func() { e.StartScope(name) },
		func() { e.EndScope(TensorsIn(result)) },
		func() struct{} {
			result = f()
			return struct{}{}
		},
	)
	return result
}

// TensorsIn extracts the tensor handles from a tidy result value. Supported
// result types are nil, *Tensor, *Variable, []*Tensor and
// map[string]*Tensor; anything else panics.
func TensorsIn(v any) []*tensor.Tensor {
	switch r := v.(type) {
	case nil:
		return nil
	case *tensor.Tensor:
		if r == nil {
			return nil
		}
		return []*tensor.Tensor{r}
	case *tensor.Variable:
		if r == nil {
			return nil
		}
		return []*tensor.Tensor{r.Tensor}
	case []*tensor.Tensor:
		out := make([]*tensor.Tensor, 0, len(r))
		for _, t := range r {
			if t != nil {
				out = append(out, t)
			}
		}
		return out
	case map[string]*tensor.Tensor:
		names := make([]string, 0, len(r))
		for name := range r {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]*tensor.Tensor, 0, len(r))
		for _, name := range names {
			if t := r[name]; t != nil {
				out = append(out, t)
			}
		}
		return out
	default:
		panic(fmt.Sprintf("tidy result must be a tensor, a variable, a slice or map of tensors, or nil; got %T", v))
	}
}
