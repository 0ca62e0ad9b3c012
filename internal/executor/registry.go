package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conductor/internal/domain"
)

// InvokeFunc performs one stage's work: it receives the output schema the
// stage must produce plus the merged input payload, and returns the produced
// payload. It is the only operation expected to block for a while.
type InvokeFunc func(ctx context.Context, schemaName string, input domain.Payload) (domain.Payload, error)

// Failure marks an invocation error as coming from the executor side (remote
// call failed, timed out, or returned garbage) rather than from the
// orchestrator. Such failures are retryable.
type Failure struct {
	ExecutorID string
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("executor %s: %v", f.ExecutorID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Registry holds the executor roster and their invocation functions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	meta   domain.Executor
	invoke InvokeFunc
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds or replaces an executor.
func (r *Registry) Register(meta domain.Executor, fn InvokeFunc) error {
	if meta.ID == "" {
		return fmt.Errorf("executor id is required")
	}
	if meta.Authority < 1 || meta.Authority > 10 {
		return fmt.Errorf("executor %s: authority %d out of range 1..10", meta.ID, meta.Authority)
	}
	if fn == nil {
		return fmt.Errorf("executor %s: nil invoke func", meta.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[meta.ID] = entry{meta: meta, invoke: fn}
	return nil
}

// Executor returns the roster entry for an id.
func (r *Registry) Executor(id string) (domain.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.meta, ok
}

// Executors returns the roster sorted by id.
func (r *Registry) Executors() []domain.Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Executor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs the executor's function. An unknown executor or a function
// error both surface as a *Failure so the scheduler treats them uniformly.
func (r *Registry) Invoke(ctx context.Context, executorID, schemaName string, input domain.Payload) (domain.Payload, error) {
	r.mu.RLock()
	e, ok := r.entries[executorID]
	r.mu.RUnlock()
	if !ok {
		return nil, &Failure{ExecutorID: executorID, Err: fmt.Errorf("not registered")}
	}
	out, err := e.invoke(ctx, schemaName, input)
	if err != nil {
		return nil, &Failure{ExecutorID: executorID, Err: err}
	}
	return out, nil
}
