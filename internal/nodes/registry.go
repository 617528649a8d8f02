package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Registry maps node kinds to their executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeKind]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeKind]Executor),
	}
}

// NewDefaultRegistry registers the five built-in executors.
func NewDefaultRegistry(httpCfg HTTPConfig, predicates *expressions.Predicates, extractor Extractor) (*Registry, error) {
	r := NewRegistry()
	for _, e := range []Executor{
		NewHTTPRequestExecutor(httpCfg, extractor),
		NewConditionExecutor(predicates),
		NewSetVariableExecutor(),
		NewWaitForEventExecutor(),
		NewTerminalExecutor(),
	} {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an executor. Returns error on a nil executor or duplicate kind.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := e.Kind()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", kind)
	}
	r.executors[kind] = e
	return nil
}

// Replace registers e, overwriting any executor for the same kind.
func (r *Registry) Replace(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

// Get retrieves the executor for kind.
func (r *Registry) Get(kind schema.NodeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "no executor for node kind %q", kind)
	}
	return e, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []schema.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
