package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"conductor/internal/artifact"
	"conductor/internal/authority"
	"conductor/internal/config"
	"conductor/internal/contract"
	"conductor/internal/db"
	"conductor/internal/domain"
	"conductor/internal/evaluation"
	"conductor/internal/events"
	"conductor/internal/executor"
	"conductor/internal/memory"
	"conductor/internal/migrate"
	"conductor/internal/repo"
	"conductor/internal/scheduler"
)

// App bundles the process-wide state: the workspace database and every
// component built over it. Construct with Open, release with Close.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Validator *contract.Validator
	Memory    *memory.Store
	Eval      *evaluation.Engine
	Resolver  *authority.Resolver
	Registry  *executor.Registry
	Artifacts *artifact.Store
	Log       zerolog.Logger
}

// Open loads the workspace config, opens and migrates the database, and
// wires the component graph. Schemas come from the embedded defaults plus
// any documents under <workspace>/.conductor/schemas.
func Open(workspace string, log zerolog.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	validator := contract.NewValidator()
	if err := validator.LoadDefaults(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("load contract schemas: %w", err)
	}
	if dir := config.SchemaDir(workspace); dir != "" {
		if err := validator.LoadDir(dir); err != nil {
			conn.Close()
			return nil, fmt.Errorf("load workspace schemas: %w", err)
		}
	}

	halfLives := map[domain.MemoryScope]time.Duration{}
	for _, scope := range domain.Scopes() {
		halfLives[scope] = cfg.HalfLife(scope)
	}

	eval := evaluation.New(conn)
	eval.WindowDays = cfg.Evaluation.WindowDays
	if len(cfg.Evaluation.Weights) > 0 {
		weights := map[domain.ScoreCategory]float64{}
		for cat, w := range cfg.Evaluation.Weights {
			weights[domain.ScoreCategory(cat)] = w
		}
		eval.Weights = weights
	}

	registry := executor.NewRegistry()
	if err := executor.RegisterScripted(registry, cfg.ExecutorTable()); err != nil {
		conn.Close()
		return nil, err
	}

	return &App{
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Validator: validator,
		Memory:    memory.New(conn, halfLives),
		Eval:      eval,
		Resolver:  authority.NewResolver(cfg.ExecutorTable(), cfg.Precedence),
		Registry:  registry,
		Artifacts: artifact.New(conn, cfg.Artifacts.Owners),
		Log:       log,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Scheduler builds a scheduler whose sinks persist into the workspace
// database. Approval defaults to granting with a warning; callers with a
// real approval channel override it.
func (a *App) Scheduler() *scheduler.Scheduler {
	s := &scheduler.Scheduler{
		Validator:    a.Validator,
		Registry:     a.Registry,
		Resolver:     a.Resolver,
		Routing:      a.Config.FailureRouting,
		Workers:      a.Config.Scheduler.Workers,
		RetryCap:     a.Config.Scheduler.RetryCap,
		StageTimeout: a.Config.Scheduler.StageTimeout.Std(),
		Low:          a.Config.Evaluation.LowThreshold,
		High:         a.Config.Evaluation.HighThreshold,
		Log:          a.Log,
	}
	s.Autonomy = func(ctx context.Context, executorID string) (float64, error) {
		return a.Eval.AutonomyLevel(ctx, executorID, 1.0)
	}
	s.Approve = func(ctx context.Context, executorID, stageID string, autonomy float64) bool {
		a.Log.Warn().Str("executor", executorID).Str("stage", stageID).Float64("autonomy", autonomy).
			Msg("low-autonomy dispatch auto-approved")
		return true
	}
	s.Sinks = scheduler.Sinks{
		RecordStage: func(ctx context.Context, runID string, st domain.Stage, output domain.Payload, at time.Time) {
			if err := a.Repo.UpsertStage(ctx, runID, st, output, at); err != nil {
				a.Log.Error().Err(err).Str("stage", st.ID).Msg("persist stage")
			}
		},
		RecordMemory: func(ctx context.Context, scope domain.MemoryScope, content domain.Payload, confidence float64, source string) {
			if _, err := a.Memory.Append(ctx, scope, content, confidence, source); err != nil {
				a.Log.Error().Err(err).Str("scope", string(scope)).Msg("append memory")
			}
		},
		RecordOutcome: func(ctx context.Context, executorID string, category domain.ScoreCategory, score float64, runID string) {
			if err := a.Eval.RecordOutcome(ctx, executorID, category, score, runID); err != nil {
				a.Log.Error().Err(err).Str("executor", executorID).Msg("record outcome")
			}
		},
		RecordConflict: func(ctx context.Context, c domain.Conflict) {
			if err := a.Repo.InsertConflict(ctx, c); err != nil {
				a.Log.Error().Err(err).Str("conflict", c.ID).Msg("persist conflict")
				return
			}
			if c.Resolution != "" {
				if err := a.Repo.ResolveConflict(ctx, c.ID, c.ResolverID, c.Resolution, c.ResolvedAt); err != nil {
					a.Log.Error().Err(err).Str("conflict", c.ID).Msg("persist resolution")
				}
			}
		},
		PublishOutput: func(ctx context.Context, runID, stageID, executorID string, output domain.Payload) error {
			return a.publishArtifacts(ctx, executorID, output)
		},
		Event: func(ctx context.Context, evtType, runID, entityKind, entityID string, payload map[string]any) {
			if err := a.Events.Append(ctx, evtType, runID, entityKind, entityID, payload); err != nil {
				a.Log.Error().Err(err).Str("type", evtType).Msg("append event")
			}
		},
	}
	return s
}

// publishArtifacts writes any files_created records of a stage output into
// the artifact store under the producing executor's ownership. A write
// refused by ownership fails the stage.
func (a *App) publishArtifacts(ctx context.Context, executorID string, output domain.Payload) error {
	files, ok := output["files_created"].([]any)
	if !ok {
		return nil
	}
	for _, f := range files {
		rec, ok := f.(map[string]any)
		if !ok {
			continue
		}
		path, _ := rec["path"].(string)
		if path == "" {
			continue
		}
		content, _ := rec["content"].(string)
		if _, err := a.Artifacts.Put(ctx, path, content, executorID); err != nil {
			return err
		}
	}
	return nil
}

// RunWorkflow submits and executes a workflow, persisting the run header and
// final result around the scheduler's own stage-level persistence.
func (a *App) RunWorkflow(ctx context.Context, request string, stages []domain.Stage) (domain.WorkflowResult, error) {
	if len(stages) == 0 {
		stages = a.Config.PipelineStages()
	}
	s := a.Scheduler()
	run, err := s.Submit(request, stages)
	if err != nil {
		return domain.WorkflowResult{}, err
	}
	started := time.Now()
	if err := a.Repo.InsertRun(ctx, run.ID, request, started); err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("persist run: %w", err)
	}
	result, err := s.Execute(ctx, run)
	if err != nil {
		return result, err
	}
	if err := a.Repo.FinishRun(context.WithoutCancel(ctx), run.ID, time.Now(), result); err != nil {
		a.Log.Error().Err(err).Str("run_id", run.ID).Msg("persist run result")
	}
	return result, nil
}
