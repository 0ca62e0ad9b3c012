package authority

import (
	"fmt"
	"sort"

	"conductor/internal/domain"
)

// ErrUnresolvable is returned when no executor outranks every participant
// of a conflict.
type ErrUnresolvable struct {
	Topic  string
	Agents []string
}

func (e *ErrUnresolvable) Error() string {
	return fmt.Sprintf("conflict %q cannot be resolved: no executor outranks %v", e.Topic, e.Agents)
}

// Resolver picks the executor that arbitrates a conflict. Resolution is
// purely rank based: the resolver must hold authority strictly greater than
// every participant, and among eligible executors the highest authority wins.
// Ties break by the configured precedence order, so the outcome is
// deterministic for a fixed roster.
type Resolver struct {
	executors  map[string]domain.Executor
	precedence map[string]int
}

// NewResolver builds a resolver over the executor roster. Precedence lists
// executor ids in tie-break order; ids absent from it sort after listed ones,
// alphabetically.
func NewResolver(executors []domain.Executor, precedence []string) *Resolver {
	r := &Resolver{
		executors:  make(map[string]domain.Executor, len(executors)),
		precedence: make(map[string]int, len(precedence)),
	}
	for _, ex := range executors {
		r.executors[ex.ID] = ex
	}
	for i, id := range precedence {
		r.precedence[id] = i
	}
	return r
}

func (r *Resolver) rank(id string) int {
	if p, ok := r.precedence[id]; ok {
		return p
	}
	return len(r.precedence)
}

// Resolve returns the executor chosen to arbitrate the conflict.
func (r *Resolver) Resolve(conflict domain.Conflict) (domain.Executor, error) {
	ceiling := 0
	for _, id := range conflict.Agents {
		ex, ok := r.executors[id]
		if !ok {
			return domain.Executor{}, fmt.Errorf("conflict %q involves unknown executor %q", conflict.Topic, id)
		}
		if ex.Authority > ceiling {
			ceiling = ex.Authority
		}
	}

	participant := make(map[string]bool, len(conflict.Agents))
	for _, id := range conflict.Agents {
		participant[id] = true
	}

	var eligible []domain.Executor
	for _, ex := range r.executors {
		if participant[ex.ID] {
			continue
		}
		if ex.Authority > ceiling {
			eligible = append(eligible, ex)
		}
	}
	if len(eligible) == 0 {
		return domain.Executor{}, &ErrUnresolvable{Topic: conflict.Topic, Agents: conflict.Agents}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Authority != b.Authority {
			return a.Authority > b.Authority
		}
		ra, rb := r.rank(a.ID), r.rank(b.ID)
		if ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
	return eligible[0], nil
}
