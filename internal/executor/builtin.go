package executor

import (
	"context"
	"fmt"

	"conductor/internal/domain"
)

// Scripted returns an invoke function that produces deterministic, contract
// conformant payloads for the built-in pipeline schemas. It lets a fresh
// workspace run the default pipeline end to end before any real executor
// backends are attached.
func Scripted(id string) InvokeFunc {
	return func(ctx context.Context, schemaName string, input domain.Payload) (domain.Payload, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		request, _ := input["request"].(string)
		switch schemaName {
		case "requirements":
			return domain.Payload{
				"requirements":        []any{fmt.Sprintf("deliver: %s", request)},
				"acceptance_criteria": []any{"all pipeline stages succeed"},
				"constraints":         []any{},
			}, nil
		case "architecture":
			return domain.Payload{
				"components": []any{map[string]any{"name": "core", "responsibility": request}},
				"invariants": []any{"single writer per artifact"},
			}, nil
		case "implementation":
			return domain.Payload{
				"files_created": []any{map[string]any{"path": "core/main.go", "content": "package main\n"}},
				"notes":         fmt.Sprintf("scripted implementation by %s", id),
			}, nil
		case "code_review":
			return domain.Payload{
				"verdict":  "pass",
				"comments": "scripted review, no findings",
			}, nil
		case "build_test":
			return domain.Payload{
				"build_success": true,
				"test_success":  true,
				"test_results":  map[string]any{"passed": 1, "failed": 0},
			}, nil
		case "integration":
			return domain.Payload{
				"merged":       true,
				"merged_files": []any{"core/main.go"},
			}, nil
		case "approval":
			return domain.Payload{
				"approved": true,
				"comments": "scripted approval",
			}, nil
		default:
			return nil, fmt.Errorf("no scripted behavior for schema %q", schemaName)
		}
	}
}

// RegisterScripted fills the registry with scripted functions for an
// executor roster.
func RegisterScripted(r *Registry, roster []domain.Executor) error {
	for _, meta := range roster {
		if err := r.Register(meta, Scripted(meta.ID)); err != nil {
			return err
		}
	}
	return nil
}
