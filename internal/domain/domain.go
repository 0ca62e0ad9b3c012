package domain

import "time"

// Payload is the unit of data exchanged with executors. The core never
// interprets payload values beyond contract validation.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// StageState is the lifecycle state of a workflow stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageReady     StageState = "ready"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageRetrying  StageState = "retrying"
	StageEscalated StageState = "escalated"
	StageSkipped   StageState = "skipped"
)

// Terminal reports whether the state ends a stage's participation in a run.
func (s StageState) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped:
		return true
	}
	return false
}

// Stage is one node of the workflow graph, bound to one executor and one
// contract pair.
type Stage struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	ExecutorID     string     `json:"executor_id"`
	InputContract  string     `json:"input_contract"`
	OutputContract string     `json:"output_contract"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	ReviewOf       string     `json:"review_of,omitempty"`
	Status         StageState `json:"status"`
	Retries        int        `json:"retries"`
}

// Executor describes a registered executor: identity, rank and the contract
// names it accepts and produces. Immutable for the lifetime of a run.
type Executor struct {
	ID        string   `json:"id"`
	Authority int      `json:"authority"`
	Accepts   []string `json:"accepts,omitempty"`
	Produces  []string `json:"produces,omitempty"`
}

// Severity of a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Violation is a single validation finding. Never mutated after creation.
type Violation struct {
	RuleID       string   `json:"rule_id"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Location     string   `json:"location,omitempty"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// MemoryScope is one of the four decay classes.
type MemoryScope string

const (
	ScopeWorking MemoryScope = "working"
	ScopeProject MemoryScope = "project"
	ScopeSkill   MemoryScope = "skill"
	ScopeFailure MemoryScope = "failure"
)

// Scopes lists all memory scopes in a fixed order.
func Scopes() []MemoryScope {
	return []MemoryScope{ScopeWorking, ScopeProject, ScopeSkill, ScopeFailure}
}

// MemoryEntry is a stored record whose effective strength decays with time.
// Strength is derived at read time; the stored row never changes.
type MemoryEntry struct {
	ID         string      `json:"id"`
	Scope      MemoryScope `json:"scope"`
	Content    Payload     `json:"content"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	Strength   float64     `json:"strength"`
}

// ScoreCategory is one axis of executor evaluation.
type ScoreCategory string

const (
	ScoreCorrectness ScoreCategory = "correctness"
	ScoreEfficiency  ScoreCategory = "efficiency"
	ScoreCompliance  ScoreCategory = "compliance"
	ScoreCost        ScoreCategory = "cost"
	ScoreStability   ScoreCategory = "stability"
)

// ScoreCategories lists all categories in a fixed order.
func ScoreCategories() []ScoreCategory {
	return []ScoreCategory{ScoreCorrectness, ScoreEfficiency, ScoreCompliance, ScoreCost, ScoreStability}
}

// Scorecard is a read model of an executor's recorded performance.
type Scorecard struct {
	ExecutorID string                    `json:"executor_id"`
	Averages   map[ScoreCategory]float64 `json:"averages"`
	Overall    float64                   `json:"overall"`
	Autonomy   float64                   `json:"autonomy"`
	Samples    int                       `json:"samples"`
}

// Conflict records a disagreement escalated through the authority resolver.
// Terminal once resolved.
type Conflict struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Topic      string    `json:"topic"`
	Agents     []string  `json:"agents_involved"`
	Evidence   []Payload `json:"evidence,omitempty"`
	ResolverID string    `json:"resolver_id,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// FailureRecord is one entry of a stage's failure chain. Retried and rerouted
// stages receive the full ordered chain as part of their input.
type FailureRecord struct {
	StageID    string      `json:"stage_id"`
	ExecutorID string      `json:"executor_id"`
	Attempt    int         `json:"attempt"`
	Reason     string      `json:"reason"`
	Violations []Violation `json:"violations,omitempty"`
}

// WorkflowResult is produced once per run and is immutable afterwards.
type WorkflowResult struct {
	RunID           string             `json:"run_id"`
	Success         bool               `json:"success"`
	StagesCompleted []string           `json:"stages_completed"`
	StagesFailed    []string           `json:"stages_failed,omitempty"`
	Outputs         map[string]Payload `json:"outputs,omitempty"`
	Duration        time.Duration      `json:"duration"`
	Conflicts       []Conflict         `json:"conflicts,omitempty"`
	AbortReason     string             `json:"abort_reason,omitempty"`
}

// RunStatus is the queryable view of an in-flight or completed run.
type RunStatus struct {
	RunID     string                `json:"run_id"`
	Request   string                `json:"request"`
	Finished  bool                  `json:"finished"`
	Success   bool                  `json:"success"`
	Stages    map[string]StageState `json:"stages"`
	Elapsed   time.Duration         `json:"elapsed"`
	Conflicts []Conflict            `json:"conflicts,omitempty"`
	StartedAt time.Time             `json:"started_at"`
}

// ArtifactVersion is one recorded version of an artifact path.
type ArtifactVersion struct {
	VersionID string    `json:"version_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message,omitempty"`
}

// Event is one row of the append-only run event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
