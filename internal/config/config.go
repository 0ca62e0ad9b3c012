package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
)

// Duration wraps time.Duration so YAML values like "5m" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models conductor.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Executors  []ExecutorDef `yaml:"executors"`
	Precedence []string      `yaml:"precedence"`
	Pipeline   []StageDef    `yaml:"pipeline"`
	// FailureRouting maps a failed stage's category to the remediation
	// executor that receives the re-injected stage. Unmapped categories
	// escalate through the authority resolver.
	FailureRouting map[string]string `yaml:"failure_routing"`
	Scheduler      SchedulerConfig   `yaml:"scheduler"`
	Memory         MemoryConfig      `yaml:"memory"`
	Evaluation     EvaluationConfig  `yaml:"evaluation"`
	Artifacts      ArtifactsConfig   `yaml:"artifacts"`
	Server         ServerConfig      `yaml:"server"`
}

type ExecutorDef struct {
	ID        string   `yaml:"id"`
	Authority int      `yaml:"authority"`
	Accepts   []string `yaml:"accepts"`
	Produces  []string `yaml:"produces"`
}

type StageDef struct {
	ID             string   `yaml:"id"`
	Category       string   `yaml:"category"`
	Executor       string   `yaml:"executor"`
	InputContract  string   `yaml:"input_contract"`
	OutputContract string   `yaml:"output_contract"`
	DependsOn      []string `yaml:"depends_on"`
	ReviewOf       string   `yaml:"review_of"`
}

type SchedulerConfig struct {
	Workers      int      `yaml:"workers"`
	RetryCap     int      `yaml:"retry_cap"`
	StageTimeout Duration `yaml:"stage_timeout"`
}

type MemoryConfig struct {
	// HalfLives per scope; strength halves once per half-life.
	HalfLives      map[string]Duration `yaml:"half_lives"`
	PruneThreshold float64             `yaml:"prune_threshold"`
}

type EvaluationConfig struct {
	Weights       map[string]float64 `yaml:"weights"`
	LowThreshold  float64            `yaml:"low_threshold"`
	HighThreshold float64            `yaml:"high_threshold"`
	WindowDays    int                `yaml:"window_days"`
}

type ArtifactsConfig struct {
	// Owners maps an artifact path prefix to the executor allowed to write it.
	Owners map[string]string `yaml:"owners"`
}

type ServerConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conductor.yml")
}

// SchemaDir returns the workspace directory for extra contract schema
// documents, or "" when it does not exist.
func SchemaDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, ".conductor", "schemas")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ""
	}
	return dir
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run conductor init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration: the seven-stage pipeline with
// the default executor hierarchy.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns the default config YAML document.
func GenerateDefault() string {
	return defaultTemplate
}

func (c *Config) applyDefaults() {
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.RetryCap <= 0 {
		c.Scheduler.RetryCap = 3
	}
	if c.Scheduler.StageTimeout <= 0 {
		c.Scheduler.StageTimeout = Duration(5 * time.Minute)
	}
	if c.Memory.HalfLives == nil {
		c.Memory.HalfLives = map[string]Duration{}
	}
	defaults := map[string]Duration{
		string(domain.ScopeWorking): Duration(time.Hour),
		string(domain.ScopeProject): Duration(7 * 24 * time.Hour),
		string(domain.ScopeSkill):   Duration(30 * 24 * time.Hour),
		string(domain.ScopeFailure): Duration(24 * time.Hour),
	}
	for scope, hl := range defaults {
		if c.Memory.HalfLives[scope] <= 0 {
			c.Memory.HalfLives[scope] = hl
		}
	}
	if c.Memory.PruneThreshold <= 0 {
		c.Memory.PruneThreshold = 0.1
	}
	if c.Evaluation.Weights == nil {
		c.Evaluation.Weights = map[string]float64{
			string(domain.ScoreCorrectness): 0.35,
			string(domain.ScoreEfficiency):  0.15,
			string(domain.ScoreCompliance):  0.25,
			string(domain.ScoreCost):        0.10,
			string(domain.ScoreStability):   0.15,
		}
	}
	if c.Evaluation.LowThreshold <= 0 {
		c.Evaluation.LowThreshold = 0.35
	}
	if c.Evaluation.HighThreshold <= 0 {
		c.Evaluation.HighThreshold = 0.85
	}
	if c.Evaluation.WindowDays <= 0 {
		c.Evaluation.WindowDays = 30
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Executors) == 0 {
		return fmt.Errorf("config.executors is required")
	}
	executors := map[string]ExecutorDef{}
	for _, e := range c.Executors {
		if e.ID == "" {
			return fmt.Errorf("config.executors contains empty id")
		}
		if _, dup := executors[e.ID]; dup {
			return fmt.Errorf("duplicate executor id %s", e.ID)
		}
		if e.Authority < 1 || e.Authority > 10 {
			return fmt.Errorf("executor %s authority must be 1..10", e.ID)
		}
		executors[e.ID] = e
	}
	for _, id := range c.Precedence {
		if _, ok := executors[id]; !ok {
			return fmt.Errorf("precedence references unknown executor %s", id)
		}
	}
	stages := map[string]bool{}
	for _, s := range c.Pipeline {
		if s.ID == "" {
			return fmt.Errorf("config.pipeline contains empty stage id")
		}
		if stages[s.ID] {
			return fmt.Errorf("duplicate pipeline stage %s", s.ID)
		}
		stages[s.ID] = true
		if _, ok := executors[s.Executor]; !ok {
			return fmt.Errorf("stage %s references unknown executor %s", s.ID, s.Executor)
		}
		if s.InputContract == "" || s.OutputContract == "" {
			return fmt.Errorf("stage %s must declare input and output contracts", s.ID)
		}
	}
	for _, s := range c.Pipeline {
		for _, dep := range s.DependsOn {
			if !stages[dep] {
				return fmt.Errorf("stage %s depends on unknown stage %s", s.ID, dep)
			}
		}
		if s.ReviewOf != "" && !stages[s.ReviewOf] {
			return fmt.Errorf("stage %s reviews unknown stage %s", s.ID, s.ReviewOf)
		}
	}
	for category, execID := range c.FailureRouting {
		if category == "" {
			return fmt.Errorf("failure_routing has empty category")
		}
		if _, ok := executors[execID]; !ok {
			return fmt.Errorf("failure_routing for %s references unknown executor %s", category, execID)
		}
	}
	for prefix, owner := range c.Artifacts.Owners {
		if prefix == "" {
			return fmt.Errorf("artifacts.owners has empty path prefix")
		}
		if _, ok := executors[owner]; !ok {
			return fmt.Errorf("artifact owner %s for %s is not a registered executor", owner, prefix)
		}
	}
	if c.Evaluation.LowThreshold >= c.Evaluation.HighThreshold {
		return fmt.Errorf("evaluation.low_threshold must be below high_threshold")
	}
	return nil
}

// ExecutorTable returns the configured executors as domain records.
func (c *Config) ExecutorTable() []domain.Executor {
	out := make([]domain.Executor, 0, len(c.Executors))
	for _, e := range c.Executors {
		out = append(out, domain.Executor{
			ID:        e.ID,
			Authority: e.Authority,
			Accepts:   e.Accepts,
			Produces:  e.Produces,
		})
	}
	return out
}

// PipelineStages returns the configured default pipeline as domain stages.
func (c *Config) PipelineStages() []domain.Stage {
	out := make([]domain.Stage, 0, len(c.Pipeline))
	for _, s := range c.Pipeline {
		out = append(out, domain.Stage{
			ID:             s.ID,
			Category:       s.Category,
			ExecutorID:     s.Executor,
			InputContract:  s.InputContract,
			OutputContract: s.OutputContract,
			DependsOn:      s.DependsOn,
			ReviewOf:       s.ReviewOf,
			Status:         domain.StagePending,
		})
	}
	return out
}

// HalfLife returns the decay half-life for a scope.
func (c *Config) HalfLife(scope domain.MemoryScope) time.Duration {
	if hl, ok := c.Memory.HalfLives[string(scope)]; ok && hl > 0 {
		return hl.Std()
	}
	return 24 * time.Hour
}

const defaultTemplate = `workspace:
  id: default

executors:
  - id: architect
    authority: 10
    accepts: [architecture, approval]
    produces: [architecture, approval]
  - id: product
    authority: 9
    accepts: [requirements]
    produces: [requirements]
  - id: builder
    authority: 8
    accepts: [build_test]
    produces: [build_test]
  - id: integrator
    authority: 8
    accepts: [integration]
    produces: [integration]
  - id: reviewer
    authority: 7
    accepts: [code_review]
    produces: [code_review]
  - id: infra
    authority: 6
    accepts: [build_test]
    produces: [build_test]
  - id: implementer
    authority: 5
    accepts: [implementation]
    produces: [implementation]

precedence: [architect, product, builder, integrator, reviewer, infra, implementer]

pipeline:
  - id: requirements
    category: requirements
    executor: product
    input_contract: requirements.input
    output_contract: requirements
  - id: architecture
    category: architecture
    executor: architect
    input_contract: architecture.input
    output_contract: architecture
    depends_on: [requirements]
  - id: implementation
    category: implementation
    executor: implementer
    input_contract: implementation.input
    output_contract: implementation
    depends_on: [architecture]
  - id: review
    category: review
    executor: reviewer
    input_contract: code_review.input
    output_contract: code_review
    depends_on: [implementation]
    review_of: implementation
  - id: build_test
    category: build_test
    executor: builder
    input_contract: build_test.input
    output_contract: build_test
    depends_on: [review]
  - id: integration
    category: integration
    executor: integrator
    input_contract: integration.input
    output_contract: integration
    depends_on: [build_test]
  - id: final_approval
    category: final_approval
    executor: architect
    input_contract: approval.input
    output_contract: approval
    depends_on: [integration]
    review_of: integration

failure_routing:
  review: implementer
  build_test: implementer
  integration: implementer
  final_approval: architect

scheduler:
  workers: 4
  retry_cap: 3
  stage_timeout: 5m

memory:
  half_lives:
    working: 1h
    project: 168h
    skill: 720h
    failure: 24h
  prune_threshold: 0.1

evaluation:
  weights:
    correctness: 0.35
    efficiency: 0.15
    compliance: 0.25
    cost: 0.10
    stability: 0.15
  low_threshold: 0.35
  high_threshold: 0.85
  window_days: 30

artifacts:
  owners:
    requirements/: product
    architecture/: architect
    implementation/: implementer
    review/: reviewer
    build/: builder
    integration/: integrator
    approval/: architect
`
