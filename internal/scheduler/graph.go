package scheduler

import (
	"fmt"
	"sort"

	"conductor/internal/domain"
)

// GraphError marks a malformed workflow definition. It is raised at
// submission, before any stage runs.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid workflow graph: %s", e.Reason)
}

// Graph is the validated workflow DAG. Nodes are stages, edges point from a
// predecessor to its dependents. Immutable after construction except for the
// remedy injection path, which goes through AddStage.
type Graph struct {
	nodes map[string]domain.Stage
	// dependents is the reverse of DependsOn.
	dependents map[string][]string
	order      []string
}

// NewGraph validates the stage list and returns the graph. Duplicate ids,
// references to unknown predecessors and cycles all fail with *GraphError.
func NewGraph(stages []domain.Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, &GraphError{Reason: "no stages"}
	}
	g := &Graph{
		nodes:      make(map[string]domain.Stage, len(stages)),
		dependents: map[string][]string{},
	}
	for _, st := range stages {
		if st.ID == "" {
			return nil, &GraphError{Reason: "stage with empty id"}
		}
		if _, dup := g.nodes[st.ID]; dup {
			return nil, &GraphError{Reason: fmt.Sprintf("duplicate stage id %q", st.ID)}
		}
		g.nodes[st.ID] = st
	}
	for _, st := range stages {
		for _, dep := range st.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &GraphError{Reason: fmt.Sprintf("stage %q depends on unknown stage %q", st.ID, dep)}
			}
			if dep == st.ID {
				return nil, &GraphError{Reason: fmt.Sprintf("stage %q depends on itself", st.ID)}
			}
			g.dependents[dep] = append(g.dependents[dep], st.ID)
		}
		if st.ReviewOf != "" {
			if _, ok := g.nodes[st.ReviewOf]; !ok {
				return nil, &GraphError{Reason: fmt.Sprintf("stage %q reviews unknown stage %q", st.ID, st.ReviewOf)}
			}
		}
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort runs Kahn's algorithm; leftover nodes mean a cycle.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id, st := range g.nodes {
		indegree[id] = len(st.DependsOn)
	}
	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := append([]string(nil), g.dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
		sort.Strings(frontier)
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for id := range g.nodes {
			found := false
			for _, done := range order {
				if done == id {
					found = true
					break
				}
			}
			if !found {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &GraphError{Reason: fmt.Sprintf("cycle involving stages %v", stuck)}
	}
	return order, nil
}

// Stage returns a node by id.
func (g *Graph) Stage(id string) (domain.Stage, bool) {
	st, ok := g.nodes[id]
	return st, ok
}

// Order returns stage ids in a deterministic topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Ancestors returns every transitive predecessor of a stage, in topological
// order, so a later ancestor's output can override an earlier one's when
// inputs are merged.
func (g *Graph) Ancestors(id string) []string {
	seen := map[string]bool{}
	var visit func(string)
	visit = func(cur string) {
		for _, dep := range g.nodes[cur].DependsOn {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(id)

	out := make([]string, 0, len(seen))
	for _, cand := range g.order {
		if seen[cand] {
			out = append(out, cand)
		}
	}
	return out
}

// AddStage injects a new node after submission. Remediation stages enter the
// graph this way; the same validation rules apply, and the injected stage may
// not create a cycle.
func (g *Graph) AddStage(st domain.Stage) error {
	if st.ID == "" {
		return &GraphError{Reason: "stage with empty id"}
	}
	if _, dup := g.nodes[st.ID]; dup {
		return &GraphError{Reason: fmt.Sprintf("duplicate stage id %q", st.ID)}
	}
	for _, dep := range st.DependsOn {
		if _, ok := g.nodes[dep]; !ok {
			return &GraphError{Reason: fmt.Sprintf("stage %q depends on unknown stage %q", st.ID, dep)}
		}
	}
	g.nodes[st.ID] = st
	for _, dep := range st.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], st.ID)
	}
	order, err := g.topoSort()
	if err != nil {
		delete(g.nodes, st.ID)
		for _, dep := range st.DependsOn {
			deps := g.dependents[dep]
			g.dependents[dep] = deps[:len(deps)-1]
		}
		return err
	}
	g.order = order
	return nil
}
