package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"conductor/internal/authority"
	"conductor/internal/contract"
	"conductor/internal/domain"
	"conductor/internal/executor"
)

const remedySuffix = ".remedy"

// Sinks are the side channels a run reports into. All of them are optional;
// a nil sink is skipped. Sink errors are logged, never fatal to the run.
type Sinks struct {
	RecordStage    func(ctx context.Context, runID string, st domain.Stage, output domain.Payload, at time.Time)
	RecordMemory   func(ctx context.Context, scope domain.MemoryScope, content domain.Payload, confidence float64, source string)
	RecordOutcome  func(ctx context.Context, executorID string, category domain.ScoreCategory, score float64, runID string)
	RecordConflict func(ctx context.Context, c domain.Conflict)
	PublishOutput  func(ctx context.Context, runID, stageID, executorID string, output domain.Payload) error
	Event          func(ctx context.Context, evtType, runID, entityKind, entityID string, payload map[string]any)
}

// ApproveFunc gates dispatch to a low-autonomy executor. Returning false
// fails the stage attempt.
type ApproveFunc func(ctx context.Context, executorID, stageID string, autonomy float64) bool

// AutonomyFunc reports an executor's current autonomy level in [0,1].
type AutonomyFunc func(ctx context.Context, executorID string) (float64, error)

// Scheduler drives workflow runs. One Scheduler serves many runs; per-run
// state lives on the Run handle.
type Scheduler struct {
	Validator *contract.Validator
	Registry  *executor.Registry
	Resolver  *authority.Resolver

	// Routing maps a failed stage's category to the remediation executor.
	// Unmapped categories escalate.
	Routing map[string]string

	Workers      int
	RetryCap     int
	StageTimeout time.Duration

	// Autonomy thresholds. Below Low, dispatch requires Approve; above
	// High, the executor's review stages are skipped.
	Low      float64
	High     float64
	Autonomy AutonomyFunc
	Approve  ApproveFunc

	Sinks Sinks
	Log   zerolog.Logger
	Now   func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) retryCap() int {
	if s.RetryCap > 0 {
		return s.RetryCap
	}
	return 3
}

func (s *Scheduler) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return 4
}

// Run is the handle returned by Submit.
type Run struct {
	ID      string
	Request string

	mu       sync.Mutex
	graph    *Graph
	stages   map[string]*stageRun
	outputs  map[string]domain.Payload
	done     []string
	failed   []string
	conflict []domain.Conflict
}

type stageRun struct {
	stage     domain.Stage
	failures  []domain.FailureRecord
	escalated bool
	rerouted  bool
	// remedyFor names the original stage this one remediates.
	remedyFor string
}

// Submit validates the workflow graph and the executor bindings and returns
// a run handle. A nil or empty stage list selects nothing; callers pass the
// configured pipeline explicitly.
func (s *Scheduler) Submit(request string, stages []domain.Stage) (*Run, error) {
	g, err := NewGraph(stages)
	if err != nil {
		return nil, err
	}
	for _, id := range g.Order() {
		st, _ := g.Stage(id)
		if _, ok := s.Registry.Executor(st.ExecutorID); !ok {
			return nil, &GraphError{Reason: fmt.Sprintf("stage %q bound to unknown executor %q", st.ID, st.ExecutorID)}
		}
	}
	run := &Run{
		ID:      uuid.New().String(),
		Request: request,
		graph:   g,
		stages:  map[string]*stageRun{},
		outputs: map[string]domain.Payload{},
	}
	for _, id := range g.Order() {
		st, _ := g.Stage(id)
		st.Status = domain.StagePending
		run.stages[id] = &stageRun{stage: st}
	}
	return run, nil
}

// StageStates returns a snapshot of the run's stage states.
func (r *Run) StageStates() map[string]domain.StageState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.StageState, len(r.stages))
	for id, sr := range r.stages {
		out[id] = sr.stage.Status
	}
	return out
}

// Execute drives the run to completion and always returns a WorkflowResult,
// failed runs included. The returned error is reserved for broken scheduler
// wiring; run-level failures land in the result.
func (s *Scheduler) Execute(ctx context.Context, run *Run) (domain.WorkflowResult, error) {
	start := s.now()
	s.event(ctx, "run.submitted", run.ID, "run", run.ID, map[string]any{"request": run.Request, "stages": run.graph.Len()})
	log := s.Log.With().Str("run_id", run.ID).Logger()

	// Snapshot every stage up front so status queries see the full stage
	// set, pending stages included, while the run is in flight.
	run.mu.Lock()
	for _, id := range run.graph.Order() {
		s.record(ctx, run, run.stages[id], nil)
	}
	run.mu.Unlock()

	abortReason := ""
	for {
		if err := ctx.Err(); err != nil {
			abortReason = fmt.Sprintf("run aborted: %v", err)
			break
		}
		ready := s.promoteReady(ctx, run)
		if len(ready) == 0 {
			break
		}

		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(s.workers())
		for _, id := range ready {
			id := id
			grp.Go(func() error {
				s.runStage(grpCtx, log, run, id)
				return nil
			})
		}
		_ = grp.Wait()

		if reason := s.fatalReason(run); reason != "" {
			abortReason = reason
			break
		}
	}

	result := s.finish(ctx, run, start, abortReason)
	s.event(ctx, "run.finished", run.ID, "run", run.ID, map[string]any{
		"success": result.Success, "completed": len(result.StagesCompleted), "failed": len(result.StagesFailed),
	})
	log.Info().Bool("success", result.Success).Dur("duration", result.Duration).Msg("run finished")
	return result, nil
}

// promoteReady moves dispatchable stages to Ready and returns their ids in
// deterministic order. Review stages whose author holds high autonomy are
// skipped here instead of dispatched.
func (s *Scheduler) promoteReady(ctx context.Context, run *Run) []string {
	run.mu.Lock()
	defer run.mu.Unlock()

	var ready []string
	for _, id := range run.graph.Order() {
		sr := run.stages[id]
		switch sr.stage.Status {
		case domain.StageRetrying:
			transition(&sr.stage, domain.StageReady)
			ready = append(ready, id)
			continue
		case domain.StagePending:
		default:
			continue
		}
		if !s.predecessorsSatisfied(run, sr.stage) {
			continue
		}
		if skip, author := s.reviewSkip(ctx, run, sr.stage); skip {
			transition(&sr.stage, domain.StageReady)
			transition(&sr.stage, domain.StageSkipped)
			s.record(ctx, run, sr, nil)
			s.event(ctx, "stage.skipped", run.ID, "stage", id, map[string]any{"reason": "author autonomy above threshold", "author": author})
			continue
		}
		transition(&sr.stage, domain.StageReady)
		ready = append(ready, id)
	}
	sort.Strings(ready)
	return ready
}

// predecessorsSatisfied holds when every dependency is Succeeded or Skipped.
func (s *Scheduler) predecessorsSatisfied(run *Run, st domain.Stage) bool {
	for _, dep := range st.DependsOn {
		depRun, ok := run.stages[dep]
		if !ok {
			return false
		}
		switch depRun.stage.Status {
		case domain.StageSucceeded, domain.StageSkipped:
		default:
			return false
		}
	}
	return true
}

// reviewSkip decides whether a review stage may be skipped because the
// reviewed stage's executor has earned autonomy above the high threshold.
func (s *Scheduler) reviewSkip(ctx context.Context, run *Run, st domain.Stage) (bool, string) {
	if st.ReviewOf == "" || s.Autonomy == nil || s.High <= 0 {
		return false, ""
	}
	reviewed, ok := run.stages[st.ReviewOf]
	if !ok {
		return false, ""
	}
	level, err := s.Autonomy(ctx, reviewed.stage.ExecutorID)
	if err != nil {
		return false, ""
	}
	if level > s.High {
		return true, reviewed.stage.ExecutorID
	}
	return false, ""
}

// runStage performs one attempt of a stage: approval gate, input assembly
// and validation, executor invocation, output validation, then bookkeeping.
func (s *Scheduler) runStage(ctx context.Context, log zerolog.Logger, run *Run, id string) {
	run.mu.Lock()
	sr := run.stages[id]
	if err := transition(&sr.stage, domain.StageRunning); err != nil {
		run.mu.Unlock()
		log.Error().Err(err).Str("stage", id).Msg("dispatch refused")
		return
	}
	s.record(ctx, run, sr, nil)
	input := buildInput(run.graph, id, run.ID, run.Request, run.outputs, sr.failures)
	stage := sr.stage
	run.mu.Unlock()

	s.event(ctx, "stage.dispatched", run.ID, "stage", id, map[string]any{"executor": stage.ExecutorID, "attempt": stage.Retries + 1})
	log.Debug().Str("stage", id).Str("executor", stage.ExecutorID).Int("attempt", stage.Retries+1).Msg("dispatching stage")

	output, violations, err := s.attempt(ctx, run, stage, input)
	if err != nil {
		s.handleFailure(ctx, log, run, id, err, violations)
		return
	}
	s.handleSuccess(ctx, log, run, id, output, violations)
}

// attempt runs the contract-validate/invoke/validate sequence. Returned
// violations accompany both failures (blocking findings) and successes
// (warnings and infos worth recording).
func (s *Scheduler) attempt(ctx context.Context, run *Run, stage domain.Stage, input domain.Payload) (domain.Payload, []domain.Violation, error) {
	if s.Autonomy != nil && s.Low > 0 {
		level, err := s.Autonomy(ctx, stage.ExecutorID)
		if err == nil && level < s.Low {
			if s.Approve == nil || !s.Approve(ctx, stage.ExecutorID, stage.ID, level) {
				return nil, nil, fmt.Errorf("approval withheld for executor %s (autonomy %.2f)", stage.ExecutorID, level)
			}
		}
	}

	inViolations, err := s.Validator.ValidateInput(stage.InputContract, input)
	if err != nil {
		return nil, nil, fmt.Errorf("input contract %s: %w", stage.InputContract, err)
	}
	if contract.HasBlocking(inViolations) {
		return nil, inViolations, fmt.Errorf("input for stage %s violates contract %s", stage.ID, stage.InputContract)
	}

	invokeCtx := ctx
	if s.StageTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, s.StageTimeout)
		defer cancel()
	}
	output, err := s.Registry.Invoke(invokeCtx, stage.ExecutorID, stage.OutputContract, input)
	if err != nil {
		return nil, inViolations, err
	}

	outViolations, err := s.Validator.ValidateOutput(stage.OutputContract, output)
	if err != nil {
		return nil, inViolations, fmt.Errorf("output contract %s: %w", stage.OutputContract, err)
	}
	if contract.HasBlocking(outViolations) {
		return nil, outViolations, fmt.Errorf("output of stage %s violates contract %s", stage.ID, stage.OutputContract)
	}

	if s.Sinks.PublishOutput != nil {
		if err := s.Sinks.PublishOutput(ctx, run.ID, stage.ID, stage.ExecutorID, output); err != nil {
			return nil, outViolations, fmt.Errorf("publish output of stage %s: %w", stage.ID, err)
		}
	}
	return output, append(inViolations, outViolations...), nil
}

func (s *Scheduler) handleSuccess(ctx context.Context, log zerolog.Logger, run *Run, id string, output domain.Payload, violations []domain.Violation) {
	run.mu.Lock()
	sr := run.stages[id]
	transition(&sr.stage, domain.StageSucceeded)
	run.outputs[id] = output
	run.done = append(run.done, id)
	attempts := sr.stage.Retries + 1

	// A succeeded remedy satisfies the original stage's dependents.
	if sr.remedyFor != "" {
		if orig, ok := run.stages[sr.remedyFor]; ok {
			transition(&orig.stage, domain.StageSucceeded)
			run.outputs[sr.remedyFor] = output
			run.failed = removeString(run.failed, sr.remedyFor)
			s.record(ctx, run, orig, output)
		}
	}
	stage := sr.stage
	s.record(ctx, run, sr, output)
	run.mu.Unlock()

	s.scoreOutcome(ctx, run.ID, stage.ExecutorID, true, attempts, violations)
	s.remember(ctx, run, stage, output, true)
	s.event(ctx, "stage.succeeded", run.ID, "stage", id, map[string]any{"executor": stage.ExecutorID, "attempts": attempts})
	log.Info().Str("stage", id).Int("attempts", attempts).Msg("stage succeeded")
}

func (s *Scheduler) handleFailure(ctx context.Context, log zerolog.Logger, run *Run, id string, cause error, violations []domain.Violation) {
	run.mu.Lock()
	sr := run.stages[id]
	transition(&sr.stage, domain.StageFailed)
	sr.failures = append(sr.failures, domain.FailureRecord{
		StageID:    id,
		ExecutorID: sr.stage.ExecutorID,
		Attempt:    sr.stage.Retries + 1,
		Reason:     cause.Error(),
		Violations: violations,
	})
	stage := sr.stage
	run.mu.Unlock()

	s.scoreOutcome(ctx, run.ID, stage.ExecutorID, false, stage.Retries+1, violations)
	s.remember(ctx, run, stage, domain.Payload{"reason": cause.Error()}, false)
	s.event(ctx, "stage.failed", run.ID, "stage", id, map[string]any{"executor": stage.ExecutorID, "attempt": stage.Retries + 1, "reason": cause.Error()})
	log.Warn().Str("stage", id).Err(cause).Msg("stage failed")

	run.mu.Lock()
	defer run.mu.Unlock()
	if sr.stage.Retries < s.retryCap() {
		sr.stage.Retries++
		transition(&sr.stage, domain.StageRetrying)
		s.record(ctx, run, sr, nil)
		return
	}
	// Retries exhausted: reroute once, then escalate.
	if !sr.rerouted && sr.remedyFor == "" {
		if target, ok := s.Routing[sr.stage.Category]; ok {
			if err := s.reroute(ctx, run, sr, target); err == nil {
				s.record(ctx, run, sr, nil)
				return
			} else {
				log.Error().Err(err).Str("stage", id).Msg("reroute failed")
			}
		}
	}
	s.escalate(ctx, log, run, sr)
	s.record(ctx, run, sr, nil)
}

// reroute injects a remediation stage bound to the routed executor, carrying
// the same contract pair and dependencies plus the failure chain.
func (s *Scheduler) reroute(ctx context.Context, run *Run, sr *stageRun, target string) error {
	if _, ok := s.Registry.Executor(target); !ok {
		return fmt.Errorf("remediation executor %q not registered", target)
	}
	remedy := domain.Stage{
		ID:             sr.stage.ID + remedySuffix,
		Category:       sr.stage.Category,
		ExecutorID:     target,
		InputContract:  sr.stage.InputContract,
		OutputContract: sr.stage.OutputContract,
		DependsOn:      append([]string(nil), sr.stage.DependsOn...),
		Status:         domain.StagePending,
	}
	if err := run.graph.AddStage(remedy); err != nil {
		return err
	}
	run.stages[remedy.ID] = &stageRun{
		stage:     remedy,
		failures:  append([]domain.FailureRecord(nil), sr.failures...),
		remedyFor: sr.stage.ID,
	}
	s.record(ctx, run, run.stages[remedy.ID], nil)
	sr.rerouted = true
	run.failed = append(run.failed, sr.stage.ID)
	s.event(ctx, "stage.rerouted", run.ID, "stage", sr.stage.ID, map[string]any{"remedy": remedy.ID, "executor": target})
	return nil
}

// escalate raises a Conflict and, when a resolver exists, sends the stage
// back for one more attempt round. Run.mu is held by the caller.
func (s *Scheduler) escalate(ctx context.Context, log zerolog.Logger, run *Run, sr *stageRun) {
	if sr.escalated {
		markFailed(run, sr)
		return
	}
	sr.escalated = true

	agents := []string{sr.stage.ExecutorID}
	if sr.remedyFor != "" {
		if orig, ok := run.stages[sr.remedyFor]; ok && orig.stage.ExecutorID != sr.stage.ExecutorID {
			agents = append(agents, orig.stage.ExecutorID)
		}
	}
	conflict := domain.Conflict{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Topic:     fmt.Sprintf("stage %s failed after %d attempts", sr.stage.ID, sr.stage.Retries+1),
		Agents:    agents,
		CreatedAt: s.now().UTC(),
	}
	for _, f := range sr.failures {
		conflict.Evidence = append(conflict.Evidence, domain.Payload{"attempt": f.Attempt, "reason": f.Reason})
	}
	s.event(ctx, "conflict.raised", run.ID, "conflict", conflict.ID, map[string]any{"topic": conflict.Topic, "agents": agents})

	transition(&sr.stage, domain.StageEscalated)
	resolver, err := s.Resolver.Resolve(conflict)
	if err != nil {
		var unresolvable *authority.ErrUnresolvable
		if errors.As(err, &unresolvable) {
			conflict.Resolution = "unresolvable: no executor outranks participants"
		} else {
			conflict.Resolution = fmt.Sprintf("resolution error: %v", err)
		}
		conflict.ResolvedAt = s.now().UTC()
		run.conflict = append(run.conflict, conflict)
		if s.Sinks.RecordConflict != nil {
			s.Sinks.RecordConflict(ctx, conflict)
		}
		transition(&sr.stage, domain.StageFailed)
		markFailed(run, sr)
		log.Error().Str("stage", sr.stage.ID).Err(err).Msg("escalation unresolved")
		return
	}

	conflict.ResolverID = resolver.ID
	conflict.Resolution = fmt.Sprintf("retry authorized by %s", resolver.ID)
	conflict.ResolvedAt = s.now().UTC()
	run.conflict = append(run.conflict, conflict)
	if s.Sinks.RecordConflict != nil {
		s.Sinks.RecordConflict(ctx, conflict)
	}
	s.event(ctx, "conflict.resolved", run.ID, "conflict", conflict.ID, map[string]any{"resolver": resolver.ID})

	// A resolved conflict resets the retry budget for one more round.
	sr.stage.Retries = 0
	transition(&sr.stage, domain.StageRetrying)
	log.Info().Str("stage", sr.stage.ID).Str("resolver", resolver.ID).Msg("conflict resolved, stage retrying")
}

func markFailed(run *Run, sr *stageRun) {
	if sr.stage.Status != domain.StageFailed {
		transition(&sr.stage, domain.StageFailed)
	}
	for _, id := range run.failed {
		if id == sr.stage.ID {
			return
		}
	}
	run.failed = append(run.failed, sr.stage.ID)
}

// fatalReason reports why the run cannot make further progress, if a failed
// stage remains with no pending remedy.
func (s *Scheduler) fatalReason(run *Run) string {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, id := range run.failed {
		sr := run.stages[id]
		if sr.stage.Status != domain.StageFailed {
			continue
		}
		if sr.rerouted {
			remedy, ok := run.stages[id+remedySuffix]
			if ok && !remedy.stage.Status.Terminal() {
				continue
			}
		}
		return fmt.Sprintf("stage %s failed after retries and escalation", id)
	}
	return ""
}

// finish seals the run: remaining non-terminal stages go to Skipped and the
// WorkflowResult is assembled.
func (s *Scheduler) finish(ctx context.Context, run *Run, start time.Time, abortReason string) domain.WorkflowResult {
	run.mu.Lock()
	defer run.mu.Unlock()

	success := abortReason == "" && len(run.failed) == 0
	for _, id := range run.graph.Order() {
		sr := run.stages[id]
		if sr.stage.Status.Terminal() {
			if sr.stage.Status == domain.StageFailed {
				success = false
			}
			continue
		}
		success = false
		transition(&sr.stage, domain.StageSkipped)
		s.record(ctx, run, sr, nil)
		s.event(ctx, "stage.skipped", run.ID, "stage", id, map[string]any{"reason": "run ended"})
		if abortReason == "" {
			abortReason = "run ended with unfinished stages"
		}
	}

	result := domain.WorkflowResult{
		RunID:           run.ID,
		Success:         success,
		StagesCompleted: append([]string(nil), run.done...),
		StagesFailed:    append([]string(nil), run.failed...),
		Outputs:         make(map[string]domain.Payload, len(run.outputs)),
		Duration:        s.now().Sub(start),
		Conflicts:       append([]domain.Conflict(nil), run.conflict...),
		AbortReason:     abortReason,
	}
	for id, out := range run.outputs {
		result.Outputs[id] = out.Clone()
	}
	return result
}

// record forwards the stage's current snapshot to the persistence sink.
func (s *Scheduler) record(ctx context.Context, run *Run, sr *stageRun, output domain.Payload) {
	if s.Sinks.RecordStage == nil {
		return
	}
	s.Sinks.RecordStage(ctx, run.ID, sr.stage, output, s.now())
}

// scoreOutcome converts an attempt result into category scores. Scores are
// coarse signals, not grades: retries cost efficiency and stability,
// blocking findings cost correctness, warnings cost compliance.
func (s *Scheduler) scoreOutcome(ctx context.Context, runID, executorID string, success bool, attempt int, violations []domain.Violation) {
	if s.Sinks.RecordOutcome == nil {
		return
	}
	warnings := 0
	for _, v := range violations {
		if v.Severity == domain.SeverityWarning {
			warnings++
		}
	}
	correctness, stability := 20.0, 30.0
	if success {
		correctness = 90
		stability = clampScore(95 - 20*float64(attempt-1))
	}
	efficiency := clampScore(100 - 15*float64(attempt-1))
	compliance := clampScore(100 - 10*float64(warnings))

	s.Sinks.RecordOutcome(ctx, executorID, domain.ScoreCorrectness, correctness, runID)
	s.Sinks.RecordOutcome(ctx, executorID, domain.ScoreEfficiency, efficiency, runID)
	s.Sinks.RecordOutcome(ctx, executorID, domain.ScoreCompliance, compliance, runID)
	s.Sinks.RecordOutcome(ctx, executorID, domain.ScoreStability, stability, runID)
	s.Sinks.RecordOutcome(ctx, executorID, domain.ScoreCost, 70, runID)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// remember writes the attempt into shared memory: successes into Working,
// failures into Failure scope.
func (s *Scheduler) remember(ctx context.Context, run *Run, stage domain.Stage, content domain.Payload, success bool) {
	if s.Sinks.RecordMemory == nil {
		return
	}
	entry := domain.Payload{
		"run_id":   run.ID,
		"stage_id": stage.ID,
		"executor": stage.ExecutorID,
		"category": stage.Category,
	}
	for k, v := range content {
		entry[k] = v
	}
	if success {
		s.Sinks.RecordMemory(ctx, domain.ScopeWorking, entry, 0.9, stage.ExecutorID)
		return
	}
	s.Sinks.RecordMemory(ctx, domain.ScopeFailure, entry, 1.0, stage.ExecutorID)
}

func (s *Scheduler) event(ctx context.Context, evtType, runID, entityKind, entityID string, payload map[string]any) {
	if s.Sinks.Event == nil {
		return
	}
	s.Sinks.Event(ctx, evtType, runID, entityKind, entityID, payload)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
