package contract

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
)

// ErrSchemaNotFound is returned when a contract name has no loaded schema.
var ErrSchemaNotFound = errors.New("schema not found")

//go:embed schemas/*.yaml
var defaultSchemasFS embed.FS

// Validator holds the in-memory schema table and checks payloads against it.
// Loading happens once at startup; validation is read-only and safe for
// concurrent use.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewValidator() *Validator {
	return &Validator{schemas: map[string]*Schema{}}
}

// LoadDefaults loads the schemas embedded in the binary.
func (v *Validator) LoadDefaults() error {
	return fs.WalkDir(defaultSchemasFS, "schemas", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := defaultSchemasFS.ReadFile(path)
		if err != nil {
			return err
		}
		return v.LoadBytes(data)
	})
}

// LoadDir loads every *.yaml document under dir. Each file may hold several
// schemas separated by document markers.
func (v *Validator) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := v.LoadBytes(data); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}

// LoadBytes parses one or more YAML schema documents and registers them.
func (v *Validator) LoadBytes(data []byte) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	for {
		var doc schemaDoc
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse schema yaml: %w", err)
		}
		schema, err := doc.compile()
		if err != nil {
			return err
		}
		if err := v.register(schema); err != nil {
			return err
		}
	}
}

// register installs a schema, enforcing the load-time conflict policy: a
// duplicate name with the same version must declare identical required
// fields; a duplicate with a newer version replaces the older one.
func (v *Validator) register(s *Schema) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	existing, ok := v.schemas[s.Name]
	if !ok {
		v.schemas[s.Name] = s
		return nil
	}
	if existing.Version == s.Version {
		if !sameRequiredFields(existing, s) {
			return fmt.Errorf("schema %s@%s redeclared with incompatible required fields", s.Name, s.Version)
		}
		v.schemas[s.Name] = s
		return nil
	}
	if newerVersion(s.Version, existing.Version) {
		v.schemas[s.Name] = s
	}
	return nil
}

// Schema returns the loaded schema for a contract name.
func (v *Validator) Schema(name string) (*Schema, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	return s, nil
}

// Names lists the loaded schema names in sorted order.
func (v *Validator) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for n := range v.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateInput checks a constructed stage input against the named schema.
func (v *Validator) ValidateInput(schemaName string, payload domain.Payload) ([]domain.Violation, error) {
	return v.validate(schemaName, payload)
}

// ValidateOutput checks an executor's returned payload against the named
// schema. A payload produced under an older minor version simply surfaces
// missing newer required fields as violations.
func (v *Validator) ValidateOutput(schemaName string, payload domain.Payload) ([]domain.Violation, error) {
	return v.validate(schemaName, payload)
}

func (v *Validator) validate(schemaName string, payload domain.Payload) ([]domain.Violation, error) {
	s, err := v.Schema(schemaName)
	if err != nil {
		return nil, err
	}
	var violations []domain.Violation

	reqNames := make([]string, 0, len(s.Required))
	for name := range s.Required {
		reqNames = append(reqNames, name)
	}
	sort.Strings(reqNames)
	for _, name := range reqNames {
		val, ok := payload[name]
		if !ok || val == nil {
			violations = append(violations, domain.Violation{
				RuleID:   "required." + name,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("missing required field %s", name),
				Location: name,
			})
			continue
		}
		if !matchesType(val, s.Required[name].Type) {
			violations = append(violations, domain.Violation{
				RuleID:   "type." + name,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("field %s must be %s", name, s.Required[name].Type),
				Location: name,
			})
		}
	}
	optNames := make([]string, 0, len(s.Optional))
	for name := range s.Optional {
		optNames = append(optNames, name)
	}
	sort.Strings(optNames)
	for _, name := range optNames {
		val, ok := payload[name]
		if !ok || val == nil {
			continue
		}
		if !matchesType(val, s.Optional[name].Type) {
			violations = append(violations, domain.Violation{
				RuleID:   "type." + name,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("field %s must be %s", name, s.Optional[name].Type),
				Location: name,
			})
		}
	}
	for _, rule := range s.Rules {
		if rule.Check(payload) {
			continue
		}
		violations = append(violations, domain.Violation{
			RuleID:       rule.ID,
			Severity:     rule.Severity,
			Message:      rule.Message,
			Location:     rule.Field,
			SuggestedFix: rule.SuggestedFix,
		})
	}
	return violations, nil
}

// HasBlocking reports whether any violation carries error severity.
func HasBlocking(violations []domain.Violation) bool {
	for _, v := range violations {
		if v.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}
