package scheduler

import (
	"conductor/internal/domain"
)

// buildInput assembles a stage's input payload from the run request and the
// outputs of every transitive predecessor, merged in topological order so a
// later stage's fields override an earlier one's. The failure chain, when
// present, rides along under failure_context.
func buildInput(g *Graph, stageID, runID, request string, outputs map[string]domain.Payload, failures []domain.FailureRecord) domain.Payload {
	input := domain.Payload{
		"request": request,
		"run_id":  runID,
	}
	for _, ancestor := range g.Ancestors(stageID) {
		out, ok := outputs[ancestor]
		if !ok {
			continue
		}
		for k, v := range out {
			input[k] = v
		}
	}
	if len(failures) > 0 {
		chain := make([]any, 0, len(failures))
		for _, f := range failures {
			rec := map[string]any{
				"stage_id":    f.StageID,
				"executor_id": f.ExecutorID,
				"attempt":     f.Attempt,
				"reason":      f.Reason,
			}
			if len(f.Violations) > 0 {
				var vs []any
				for _, v := range f.Violations {
					vs = append(vs, map[string]any{
						"rule_id":  v.RuleID,
						"severity": string(v.Severity),
						"message":  v.Message,
					})
				}
				rec["violations"] = vs
			}
			chain = append(chain, rec)
		}
		input["failure_context"] = chain
	}
	return input
}
