package contract

import (
	"errors"
	"testing"

	"conductor/internal/domain"
)

const reportSchema = `
name: report
version: "1.0"
fields:
  required:
    title: {type: string}
    findings: {type: array}
  optional:
    reviewed: {type: boolean}
rules:
  - id: REP-001
    severity: error
    predicate: non_empty(findings)
    message: report must contain findings
  - id: REP-002
    severity: warning
    predicate: is_true(reviewed)
    message: report should be reviewed
    suggested_fix: have a second executor review the report
`

func loadedValidator(t *testing.T, docs ...string) *Validator {
	t.Helper()
	v := NewValidator()
	for _, doc := range docs {
		if err := v.LoadBytes([]byte(doc)); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	return v
}

func TestValidPayloadHasNoBlockingViolations(t *testing.T) {
	v := loadedValidator(t, reportSchema)

	violations, err := v.ValidateOutput("report", domain.Payload{
		"title":    "q3 audit",
		"findings": []any{"a"},
		"reviewed": true,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if HasBlocking(violations) {
		t.Fatalf("unexpected blocking violations: %v", violations)
	}
}

func TestMissingRequiredFieldIsError(t *testing.T) {
	v := loadedValidator(t, reportSchema)

	violations, err := v.ValidateOutput("report", domain.Payload{"title": "t", "findings": []any{"a"}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	// reviewed is optional and absent; REP-002 fires as a warning only.
	if HasBlocking(violations) {
		t.Fatalf("warnings must not block: %v", violations)
	}

	violations, err = v.ValidateOutput("report", domain.Payload{"findings": []any{"a"}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !HasBlocking(violations) {
		t.Fatal("missing required field did not block")
	}
	found := false
	for _, viol := range violations {
		if viol.RuleID == "required.title" && viol.Location == "title" && viol.Severity == domain.SeverityError {
			found = true
		}
	}
	if !found {
		t.Fatalf("no violation referencing the missing field: %v", violations)
	}
}

func TestTypeMismatchIsError(t *testing.T) {
	v := loadedValidator(t, reportSchema)

	violations, err := v.ValidateOutput("report", domain.Payload{
		"title":    42,
		"findings": []any{"a"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	hit := false
	for _, viol := range violations {
		if viol.RuleID == "type.title" {
			hit = true
		}
	}
	if !hit {
		t.Fatalf("type mismatch missed: %v", violations)
	}
}

func TestRuleViolationsCarrySuggestedFix(t *testing.T) {
	v := loadedValidator(t, reportSchema)

	violations, err := v.ValidateOutput("report", domain.Payload{
		"title":    "t",
		"findings": []any{"a"},
		"reviewed": false,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var warn *domain.Violation
	for i := range violations {
		if violations[i].RuleID == "REP-002" {
			warn = &violations[i]
		}
	}
	if warn == nil {
		t.Fatalf("REP-002 missing: %v", violations)
	}
	if warn.Severity != domain.SeverityWarning || warn.SuggestedFix == "" {
		t.Fatalf("warning = %+v", warn)
	}
}

func TestUnknownSchema(t *testing.T) {
	v := loadedValidator(t, reportSchema)

	if _, err := v.ValidateInput("nope", domain.Payload{}); !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUncompilableRuleRejectedAtLoad(t *testing.T) {
	v := NewValidator()
	err := v.LoadBytes([]byte(`
name: broken
version: "1.0"
fields:
  required:
    x: {type: string}
rules:
  - id: B-001
    severity: error
    predicate: regex_match(x, .*)
    message: nope
`))
	if err == nil {
		t.Fatal("unknown predicate accepted at load time")
	}
}

func TestSameVersionConflictFailsFast(t *testing.T) {
	v := loadedValidator(t, reportSchema)
	err := v.LoadBytes([]byte(`
name: report
version: "1.0"
fields:
  required:
    totally_different: {type: string}
`))
	if err == nil {
		t.Fatal("incompatible redeclaration accepted")
	}
}

func TestNewerVersionReplacesOlder(t *testing.T) {
	v := loadedValidator(t, reportSchema, `
name: report
version: "1.1"
fields:
  required:
    title: {type: string}
    findings: {type: array}
    summary: {type: string}
`)
	s, err := v.Schema("report")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if s.Version != "1.1" {
		t.Fatalf("version = %s", s.Version)
	}

	// A payload produced under 1.0 is short one newer required field; that
	// is a validation error, not a crash.
	violations, err := v.ValidateOutput("report", domain.Payload{"title": "t", "findings": []any{"a"}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	hit := false
	for _, viol := range violations {
		if viol.RuleID == "required.summary" {
			hit = true
		}
	}
	if !hit {
		t.Fatalf("missing newer field not flagged: %v", violations)
	}

	// Loading the older version again must not displace the newer one.
	if err := v.LoadBytes([]byte(reportSchema)); err != nil {
		t.Fatalf("reload old: %v", err)
	}
	s, _ = v.Schema("report")
	if s.Version != "1.1" {
		t.Fatalf("older version displaced newer: %s", s.Version)
	}
}

func TestDefaultSchemasLoad(t *testing.T) {
	v := NewValidator()
	if err := v.LoadDefaults(); err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	names := v.Names()
	if len(names) != 14 {
		t.Fatalf("loaded %d schemas: %v", len(names), names)
	}
	for _, name := range []string{"requirements", "requirements.input", "architecture", "code_review", "build_test", "integration", "approval"} {
		if _, err := v.Schema(name); err != nil {
			t.Errorf("schema %s: %v", name, err)
		}
	}
}

func TestDefaultPipelineChains(t *testing.T) {
	v := NewValidator()
	if err := v.LoadDefaults(); err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	// A passing build/test output satisfies the integration input once the
	// implementation fields ride along.
	merged := domain.Payload{
		"request":       "ship it",
		"files_created": []any{map[string]any{"path": "main.go"}},
		"build_success": true,
		"test_success":  true,
	}
	violations, err := v.ValidateInput("integration.input", merged)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if HasBlocking(violations) {
		t.Fatalf("integration input blocked: %v", violations)
	}

	// A failed build blocks at the output boundary.
	violations, err = v.ValidateOutput("build_test", domain.Payload{"build_success": false, "test_success": true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !HasBlocking(violations) {
		t.Fatal("failed build passed output validation")
	}
}

func TestPredicateCompilation(t *testing.T) {
	cases := []struct {
		predicate string
		payload   domain.Payload
		want      bool
	}{
		{"present(x)", domain.Payload{"x": nil}, true},
		{"present(x)", domain.Payload{}, false},
		{"non_empty(x)", domain.Payload{"x": "  "}, false},
		{"non_empty(x)", domain.Payload{"x": []any{1}}, true},
		{"min_items(x, 2)", domain.Payload{"x": []any{1, 2}}, true},
		{"min_items(x, 2)", domain.Payload{"x": []any{1}}, false},
		{"is_true(x)", domain.Payload{"x": true}, true},
		{"is_true(x)", domain.Payload{"x": "true"}, false},
		{"one_of(x, a|b)", domain.Payload{"x": "b"}, true},
		{"one_of(x, a|b)", domain.Payload{"x": "c"}, false},
	}
	for _, tc := range cases {
		rule, err := compileRule(ruleDoc{ID: "T", Severity: "error", Predicate: tc.predicate})
		if err != nil {
			t.Fatalf("%s: compile: %v", tc.predicate, err)
		}
		if got := rule.Check(tc.payload); got != tc.want {
			t.Errorf("%s on %v = %v, want %v", tc.predicate, tc.payload, got, tc.want)
		}
	}
}
