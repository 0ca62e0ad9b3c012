package contract

import (
	"fmt"
	"strconv"
	"strings"

	"conductor/internal/domain"
)

// FieldType names the accepted payload value shapes.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// FieldDef declares the expected type of one payload field.
type FieldDef struct {
	Type        FieldType `yaml:"type"`
	Description string    `yaml:"description,omitempty"`
}

// Rule is a compiled validation rule: a named predicate over the payload.
// Rules are compiled at schema-load time; a schema whose rules cannot be
// compiled is rejected then, not at validation time.
type Rule struct {
	ID           string
	Severity     domain.Severity
	Message      string
	Field        string
	SuggestedFix string
	Check        func(domain.Payload) bool
}

// Schema is a named, versioned contract: field requiredness, field types and
// compiled predicate rules.
type Schema struct {
	Name     string
	Version  string
	Required map[string]FieldDef
	Optional map[string]FieldDef
	Rules    []Rule
}

// schemaDoc is the YAML representation of a schema before compilation.
type schemaDoc struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Fields  struct {
		Required map[string]FieldDef `yaml:"required"`
		Optional map[string]FieldDef `yaml:"optional"`
	} `yaml:"fields"`
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID           string `yaml:"id"`
	Severity     string `yaml:"severity"`
	Predicate    string `yaml:"predicate"`
	Message      string `yaml:"message"`
	SuggestedFix string `yaml:"suggested_fix,omitempty"`
}

func (d schemaDoc) compile() (*Schema, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("schema missing name")
	}
	if d.Version == "" {
		d.Version = "1.0"
	}
	if _, _, err := parseVersion(d.Version); err != nil {
		return nil, fmt.Errorf("schema %s: %w", d.Name, err)
	}
	s := &Schema{
		Name:     d.Name,
		Version:  d.Version,
		Required: d.Fields.Required,
		Optional: d.Fields.Optional,
	}
	if s.Required == nil {
		s.Required = map[string]FieldDef{}
	}
	if s.Optional == nil {
		s.Optional = map[string]FieldDef{}
	}
	for name, def := range s.Required {
		if err := checkFieldDef(name, def); err != nil {
			return nil, fmt.Errorf("schema %s: %w", d.Name, err)
		}
	}
	for name, def := range s.Optional {
		if err := checkFieldDef(name, def); err != nil {
			return nil, fmt.Errorf("schema %s: %w", d.Name, err)
		}
	}
	for _, rd := range d.Rules {
		rule, err := compileRule(rd)
		if err != nil {
			return nil, fmt.Errorf("schema %s rule %s: %w", d.Name, rd.ID, err)
		}
		s.Rules = append(s.Rules, rule)
	}
	return s, nil
}

func checkFieldDef(name string, def FieldDef) error {
	switch def.Type {
	case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return nil
	case "":
		return fmt.Errorf("field %s missing type", name)
	default:
		return fmt.Errorf("field %s has unknown type %q", name, def.Type)
	}
}

// compileRule turns a predicate expression like "non_empty(files_created)"
// into a typed check over the payload.
func compileRule(rd ruleDoc) (Rule, error) {
	if rd.ID == "" {
		return Rule{}, fmt.Errorf("rule missing id")
	}
	sev := domain.Severity(rd.Severity)
	switch sev {
	case domain.SeverityError, domain.SeverityWarning, domain.SeverityInfo:
	default:
		return Rule{}, fmt.Errorf("unknown severity %q", rd.Severity)
	}
	fn, args, err := parsePredicate(rd.Predicate)
	if err != nil {
		return Rule{}, err
	}
	rule := Rule{
		ID:           rd.ID,
		Severity:     sev,
		Message:      rd.Message,
		SuggestedFix: rd.SuggestedFix,
		Field:        args[0],
	}
	field := args[0]
	switch fn {
	case "present":
		rule.Check = func(p domain.Payload) bool {
			_, ok := p[field]
			return ok
		}
	case "non_empty":
		rule.Check = func(p domain.Payload) bool { return lengthOf(p[field]) > 0 }
	case "min_items":
		if len(args) != 2 {
			return Rule{}, fmt.Errorf("min_items wants (field, n)")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return Rule{}, fmt.Errorf("min_items count: %w", err)
		}
		rule.Check = func(p domain.Payload) bool { return lengthOf(p[field]) >= n }
	case "is_true":
		rule.Check = func(p domain.Payload) bool {
			b, ok := p[field].(bool)
			return ok && b
		}
	case "one_of":
		if len(args) != 2 {
			return Rule{}, fmt.Errorf("one_of wants (field, a|b|c)")
		}
		allowed := strings.Split(args[1], "|")
		rule.Check = func(p domain.Payload) bool {
			s, ok := p[field].(string)
			if !ok {
				return false
			}
			for _, a := range allowed {
				if s == a {
					return true
				}
			}
			return false
		}
	default:
		return Rule{}, fmt.Errorf("unknown predicate %q", fn)
	}
	return rule, nil
}

// parsePredicate splits "fn(a, b)" into its name and arguments.
func parsePredicate(expr string) (string, []string, error) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, fmt.Errorf("malformed predicate %q", expr)
	}
	fn := strings.TrimSpace(expr[:open])
	inner := expr[open+1 : len(expr)-1]
	parts := strings.Split(inner, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return "", nil, fmt.Errorf("empty argument in predicate %q", expr)
		}
		args = append(args, p)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("predicate %q has no arguments", expr)
	}
	return fn, args, nil
}

func lengthOf(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(strings.TrimSpace(t))
	case []any:
		return len(t)
	case []string:
		return len(t)
	case map[string]any:
		return len(t)
	case domain.Payload:
		return len(t)
	default:
		return 1
	}
}

func matchesType(v any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case TypeObject:
		switch v.(type) {
		case map[string]any, domain.Payload:
			return true
		}
		return false
	}
	return false
}

// parseVersion splits "major.minor"; a bare major is accepted.
func parseVersion(v string) (int, int, error) {
	parts := strings.SplitN(v, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version %q", v)
	}
	minor := 0
	if len(parts) == 2 {
		minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid version %q", v)
		}
	}
	return major, minor, nil
}

// newerVersion reports whether a is strictly newer than b.
func newerVersion(a, b string) bool {
	amaj, amin, _ := parseVersion(a)
	bmaj, bmin, _ := parseVersion(b)
	if amaj != bmaj {
		return amaj > bmaj
	}
	return amin > bmin
}

func sameRequiredFields(a, b *Schema) bool {
	if len(a.Required) != len(b.Required) {
		return false
	}
	for name, def := range a.Required {
		other, ok := b.Required[name]
		if !ok || other.Type != def.Type {
			return false
		}
	}
	return true
}
