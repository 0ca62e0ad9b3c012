package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"conductor/internal/app"
	"conductor/internal/domain"
	"conductor/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the status and query API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Conductor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.App)
	registerScorecards(group, cfg.App)
	registerMemory(group, cfg.App)
	registerEvents(group, cfg.App)
	registerSchemas(group, cfg.App)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type runSummary struct {
	ID          string    `json:"id"`
	Request     string    `json:"request"`
	StartedAt   time.Time `json:"started_at"`
	Finished    bool      `json:"finished"`
	Success     bool      `json:"success"`
	AbortReason string    `json:"abort_reason,omitempty"`
}

type listRunsOutput struct {
	Body struct {
		Runs []runSummary `json:"runs"`
	}
}

type runStatusOutput struct {
	Body domain.RunStatus
}

type runResultOutput struct {
	Body domain.WorkflowResult
}

type stageOutputOutput struct {
	Body struct {
		RunID   string         `json:"run_id"`
		StageID string         `json:"stage_id"`
		Output  domain.Payload `json:"output"`
	}
}

func registerRuns(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*listRunsOutput, error) {
		rows, err := a.Repo.ListRuns(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listRunsOutput{}
		out.Body.Runs = make([]runSummary, 0, len(rows))
		for _, r := range rows {
			out.Body.Runs = append(out.Body.Runs, runSummary{
				ID: r.ID, Request: r.Request, StartedAt: r.StartedAt,
				Finished: r.Finished, Success: r.Success, AbortReason: r.AbortReason,
			})
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-status",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Stage states, elapsed time and conflicts of a run",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*runStatusOutput, error) {
		status, err := a.Repo.RunStatus(ctx, input.ID, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &runStatusOutput{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage-output",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/stages/{stage}/output",
		Summary:     "Last persisted output payload of one stage",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stage string `path:"stage"`
	}) (*stageOutputOutput, error) {
		output, err := a.Repo.StageOutput(ctx, input.ID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		out := &stageOutputOutput{}
		out.Body.RunID = input.ID
		out.Body.StageID = input.Stage
		out.Body.Output = output
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-result",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/result",
		Summary:     "Final WorkflowResult of a finished run",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*runResultOutput, error) {
		result, err := a.Repo.RunResult(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &runResultOutput{Body: result}, nil
	})
}

type scorecardsOutput struct {
	Body struct {
		Scorecards []domain.Scorecard `json:"scorecards"`
	}
}

func registerScorecards(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-scorecards",
		Method:      http.MethodGet,
		Path:        "/scorecards",
		Summary:     "Per-executor performance scorecards",
	}, func(ctx context.Context, _ *struct{}) (*scorecardsOutput, error) {
		out := &scorecardsOutput{}
		for _, ex := range a.Registry.Executors() {
			card, err := a.Eval.Scorecard(ctx, ex.ID, 1.0)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Scorecards = append(out.Body.Scorecards, card)
		}
		return out, nil
	})
}

type memoryStatsOutput struct {
	Body struct {
		Scopes map[string]struct {
			Entries      int     `json:"entries"`
			MeanStrength float64 `json:"mean_strength"`
		} `json:"scopes"`
	}
}

func registerMemory(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "memory-stats",
		Method:      http.MethodGet,
		Path:        "/memory/stats",
		Summary:     "Entry counts and mean strength per memory scope",
	}, func(ctx context.Context, _ *struct{}) (*memoryStatsOutput, error) {
		stats, err := a.Memory.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &memoryStatsOutput{}
		out.Body.Scopes = map[string]struct {
			Entries      int     `json:"entries"`
			MeanStrength float64 `json:"mean_strength"`
		}{}
		for scope, st := range stats {
			out.Body.Scopes[string(scope)] = struct {
				Entries      int     `json:"entries"`
				MeanStrength float64 `json:"mean_strength"`
			}{Entries: st.Entries, MeanStrength: st.MeanStrength}
		}
		return out, nil
	})
}

type eventsOutput struct {
	Body struct {
		Events []domain.Event `json:"events"`
	}
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events, newest first",
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
		Limit int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*eventsOutput, error) {
		evts, err := a.Repo.Events(ctx, input.RunID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &eventsOutput{}
		out.Body.Events = evts
		return out, nil
	})
}

type schemasOutput struct {
	Body struct {
		Schemas []string `json:"schemas"`
	}
}

func registerSchemas(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-schemas",
		Method:      http.MethodGet,
		Path:        "/schemas",
		Summary:     "Loaded contract schema names",
	}, func(ctx context.Context, _ *struct{}) (*schemasOutput, error) {
		out := &schemasOutput{}
		out.Body.Schemas = a.Validator.Names()
		return out, nil
	})
}
