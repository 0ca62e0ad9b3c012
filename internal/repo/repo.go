package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// RunRow is the persisted header of a workflow run.
type RunRow struct {
	ID          string
	Request     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Finished    bool
	Success     bool
	AbortReason string
}

func (r Repo) InsertRun(ctx context.Context, id, request string, startedAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO runs(id,request,started_at) VALUES (?,?,?)`,
		id, request, startedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) FinishRun(ctx context.Context, id string, finishedAt time.Time, result domain.WorkflowResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE runs SET finished_at=?, success=?, abort_reason=?, result_json=? WHERE id=?`,
		finishedAt.UTC().Format(time.RFC3339Nano), boolInt(result.Success), nullable(result.AbortReason), string(data), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (RunRow, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,request,started_at,COALESCE(finished_at,''),success,COALESCE(abort_reason,'') FROM runs WHERE id=?`, id)
	return scanRun(row)
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,request,started_at,COALESCE(finished_at,''),success,COALESCE(abort_reason,'') FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		rr, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// RunResult loads the persisted WorkflowResult for a finished run.
func (r Repo) RunResult(ctx context.Context, id string) (domain.WorkflowResult, error) {
	var blob sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT result_json FROM runs WHERE id=?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return domain.WorkflowResult{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowResult{}, err
	}
	if !blob.Valid || blob.String == "" {
		return domain.WorkflowResult{}, fmt.Errorf("run %s has no result yet: %w", id, ErrNotFound)
	}
	var result domain.WorkflowResult
	if err := json.Unmarshal([]byte(blob.String), &result); err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("run %s result: %w", id, err)
	}
	return result, nil
}

func (r Repo) UpsertStage(ctx context.Context, runID string, st domain.Stage, output domain.Payload, at time.Time) error {
	var outJSON any
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal stage output: %w", err)
		}
		outJSON = string(data)
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO run_stages(run_id,stage_id,category,executor_id,status,retries,output_json,updated_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(run_id,stage_id) DO UPDATE SET status=excluded.status, retries=excluded.retries,
		   output_json=COALESCE(excluded.output_json, run_stages.output_json), updated_at=excluded.updated_at`,
		runID, st.ID, st.Category, st.ExecutorID, string(st.Status), st.Retries, outJSON, at.UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) StageStates(ctx context.Context, runID string) (map[string]domain.StageState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage_id,status FROM run_stages WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]domain.StageState{}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = domain.StageState(status)
	}
	return out, rows.Err()
}

// StageOutput loads the last persisted output payload of a stage.
func (r Repo) StageOutput(ctx context.Context, runID, stageID string) (domain.Payload, error) {
	var blob sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT output_json FROM run_stages WHERE run_id=? AND stage_id=?`, runID, stageID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stage %s/%s: %w", runID, stageID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !blob.Valid {
		return nil, nil
	}
	var p domain.Payload
	if err := json.Unmarshal([]byte(blob.String), &p); err != nil {
		return nil, fmt.Errorf("stage %s/%s output: %w", runID, stageID, err)
	}
	return p, nil
}

func (r Repo) InsertConflict(ctx context.Context, c domain.Conflict) error {
	agents, err := json.Marshal(c.Agents)
	if err != nil {
		return err
	}
	var evidence any
	if len(c.Evidence) > 0 {
		data, err := json.Marshal(c.Evidence)
		if err != nil {
			return err
		}
		evidence = string(data)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO conflicts(id,run_id,topic,agents_json,evidence_json,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, nullable(c.RunID), c.Topic, string(agents), evidence, c.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) ResolveConflict(ctx context.Context, id, resolverID, resolution string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE conflicts SET resolver_id=?, resolution=?, resolved_at=? WHERE id=?`,
		resolverID, resolution, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) ConflictsForRun(ctx context.Context, runID string) ([]domain.Conflict, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,COALESCE(run_id,''),topic,agents_json,COALESCE(evidence_json,''),COALESCE(resolver_id,''),COALESCE(resolution,''),created_at,COALESCE(resolved_at,'') FROM conflicts WHERE run_id=? ORDER BY created_at`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Conflict
	for rows.Next() {
		var c domain.Conflict
		var agents, evidence, created, resolved string
		if err := rows.Scan(&c.ID, &c.RunID, &c.Topic, &agents, &evidence, &c.ResolverID, &c.Resolution, &created, &resolved); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(agents), &c.Agents); err != nil {
			return nil, fmt.Errorf("conflict %s agents: %w", c.ID, err)
		}
		if evidence != "" {
			if err := json.Unmarshal([]byte(evidence), &c.Evidence); err != nil {
				return nil, fmt.Errorf("conflict %s evidence: %w", c.ID, err)
			}
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, err
		}
		if resolved != "" {
			if c.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolved); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RunStatus assembles the queryable view of a run.
func (r Repo) RunStatus(ctx context.Context, runID string, now time.Time) (domain.RunStatus, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	stages, err := r.StageStates(ctx, runID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	conflicts, err := r.ConflictsForRun(ctx, runID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	status := domain.RunStatus{
		RunID:     run.ID,
		Request:   run.Request,
		Finished:  run.Finished,
		Success:   run.Success,
		Stages:    stages,
		Conflicts: conflicts,
		StartedAt: run.StartedAt,
	}
	if run.Finished {
		status.Elapsed = run.FinishedAt.Sub(run.StartedAt)
	} else {
		status.Elapsed = now.Sub(run.StartedAt)
	}
	return status, nil
}

// Events returns the most recent events, newest first.
func (r Repo) Events(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),COALESCE(payload_json,'') FROM events`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRow, error) {
	var rr RunRow
	var started, finished string
	var success int
	err := row.Scan(&rr.ID, &rr.Request, &started, &finished, &success, &rr.AbortReason)
	if err == sql.ErrNoRows {
		return rr, ErrNotFound
	}
	if err != nil {
		return rr, err
	}
	if rr.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return rr, fmt.Errorf("run %s started_at: %w", rr.ID, err)
	}
	if finished != "" {
		if rr.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return rr, fmt.Errorf("run %s finished_at: %w", rr.ID, err)
		}
		rr.Finished = true
	}
	rr.Success = success != 0
	return rr, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
