package authority

import (
	"errors"
	"testing"

	"conductor/internal/domain"
)

func roster() []domain.Executor {
	return []domain.Executor{
		{ID: "architect", Authority: 10},
		{ID: "product", Authority: 9},
		{ID: "builder", Authority: 8},
		{ID: "integrator", Authority: 8},
		{ID: "reviewer", Authority: 7},
		{ID: "implementer", Authority: 5},
	}
}

func TestResolvePicksHighestAuthority(t *testing.T) {
	r := NewResolver(roster(), []string{"architect", "product", "builder", "integrator", "reviewer", "implementer"})

	ex, err := r.Resolve(domain.Conflict{Topic: "api shape", Agents: []string{"implementer", "reviewer"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ex.ID != "architect" {
		t.Fatalf("resolver = %q, want architect", ex.ID)
	}
}

func TestResolveRequiresStrictlyGreaterAuthority(t *testing.T) {
	r := NewResolver(roster(), nil)

	// Product holds 9; only the architect (10) strictly outranks it.
	ex, err := r.Resolve(domain.Conflict{Topic: "scope", Agents: []string{"product", "builder"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ex.ID != "architect" {
		t.Fatalf("resolver = %q, want architect", ex.ID)
	}
}

func TestResolveTiesBreakByPrecedence(t *testing.T) {
	r := NewResolver(roster(), []string{"integrator", "builder"})

	ex, err := r.Resolve(domain.Conflict{Topic: "merge order", Agents: []string{"reviewer", "implementer"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Architect, product, builder and integrator are all eligible; the
	// architect outranks the rest regardless of precedence.
	if ex.ID != "architect" {
		t.Fatalf("resolver = %q, want architect", ex.ID)
	}

	// Restrict to a roster where the tie actually decides.
	r = NewResolver([]domain.Executor{
		{ID: "builder", Authority: 8},
		{ID: "integrator", Authority: 8},
		{ID: "implementer", Authority: 5},
	}, []string{"integrator", "builder"})
	ex, err = r.Resolve(domain.Conflict{Topic: "merge order", Agents: []string{"implementer"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ex.ID != "integrator" {
		t.Fatalf("resolver = %q, want integrator by precedence", ex.ID)
	}
}

func TestResolveUnresolvableAtTheTop(t *testing.T) {
	r := NewResolver(roster(), nil)

	_, err := r.Resolve(domain.Conflict{Topic: "architecture", Agents: []string{"architect", "product"}})
	var unresolvable *ErrUnresolvable
	if !errors.As(err, &unresolvable) {
		t.Fatalf("err = %v, want ErrUnresolvable", err)
	}
	if unresolvable.Topic != "architecture" {
		t.Fatalf("topic = %q", unresolvable.Topic)
	}
}

func TestResolveParticipantNeverArbitratesItself(t *testing.T) {
	r := NewResolver(roster(), nil)

	ex, err := r.Resolve(domain.Conflict{Topic: "design", Agents: []string{"reviewer"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ex.ID == "reviewer" {
		t.Fatal("participant resolved its own conflict")
	}
}

func TestResolveUnknownParticipant(t *testing.T) {
	r := NewResolver(roster(), nil)

	if _, err := r.Resolve(domain.Conflict{Topic: "x", Agents: []string{"ghost"}}); err == nil {
		t.Fatal("unknown participant accepted")
	}
}
