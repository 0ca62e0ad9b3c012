package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"conductor/internal/app"
)

func testHandler(t *testing.T, auth AuthConfig) (http.Handler, *app.App) {
	t.Helper()
	a, err := app.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	h, err := New(Config{App: a, Auth: auth})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return h, a
}

func getJSON(t *testing.T, h http.Handler, url, token string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v\n%s", url, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	h, _ := testHandler(t, AuthConfig{})
	var body struct {
		Status string `json:"status"`
	}
	if code := getJSON(t, h, "/v0/health", "", &body); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
}

func TestRunEndpoints(t *testing.T) {
	h, a := testHandler(t, AuthConfig{})

	result, err := a.RunWorkflow(context.Background(), "ship the thing", nil)
	if err != nil {
		t.Fatalf("run workflow: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %+v", result)
	}

	var list struct {
		Runs []struct {
			ID       string `json:"id"`
			Finished bool   `json:"finished"`
			Success  bool   `json:"success"`
		} `json:"runs"`
	}
	if code := getJSON(t, h, "/v0/runs", "", &list); code != http.StatusOK {
		t.Fatalf("list runs = %d", code)
	}
	if len(list.Runs) != 1 || !list.Runs[0].Success {
		t.Fatalf("runs = %+v", list.Runs)
	}

	var status struct {
		RunID  string            `json:"run_id"`
		Stages map[string]string `json:"stages"`
	}
	if code := getJSON(t, h, "/v0/runs/"+result.RunID, "", &status); code != http.StatusOK {
		t.Fatalf("run status = %d", code)
	}
	if status.Stages["final_approval"] != "succeeded" {
		t.Fatalf("stages = %v", status.Stages)
	}

	var final struct {
		Success bool `json:"success"`
	}
	if code := getJSON(t, h, "/v0/runs/"+result.RunID+"/result", "", &final); code != http.StatusOK {
		t.Fatalf("run result = %d", code)
	}
	if !final.Success {
		t.Fatal("persisted result not successful")
	}

	var stageOut struct {
		StageID string         `json:"stage_id"`
		Output  map[string]any `json:"output"`
	}
	if code := getJSON(t, h, "/v0/runs/"+result.RunID+"/stages/implementation/output", "", &stageOut); code != http.StatusOK {
		t.Fatalf("stage output = %d", code)
	}
	if stageOut.StageID != "implementation" || stageOut.Output["files_created"] == nil {
		t.Fatalf("stage output = %+v", stageOut)
	}

	if code := getJSON(t, h, "/v0/runs/no-such-run", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing run = %d", code)
	}
	if code := getJSON(t, h, "/v0/runs/"+result.RunID+"/stages/no-such-stage/output", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing stage output = %d", code)
	}
}

func TestScorecardAndMemoryEndpoints(t *testing.T) {
	h, a := testHandler(t, AuthConfig{})
	if _, err := a.RunWorkflow(context.Background(), "anything", nil); err != nil {
		t.Fatalf("run workflow: %v", err)
	}

	var cards struct {
		Scorecards []struct {
			ExecutorID string  `json:"executor_id"`
			Samples    int     `json:"samples"`
			Overall    float64 `json:"overall"`
		} `json:"scorecards"`
	}
	if code := getJSON(t, h, "/v0/scorecards", "", &cards); code != http.StatusOK {
		t.Fatalf("scorecards = %d", code)
	}
	sampled := 0
	for _, c := range cards.Scorecards {
		if c.Samples > 0 {
			sampled++
		}
	}
	if sampled == 0 {
		t.Fatal("no executor accumulated scores")
	}

	var stats struct {
		Scopes map[string]struct {
			Entries int `json:"entries"`
		} `json:"scopes"`
	}
	if code := getJSON(t, h, "/v0/memory/stats", "", &stats); code != http.StatusOK {
		t.Fatalf("memory stats = %d", code)
	}
	if stats.Scopes["working"].Entries == 0 {
		t.Fatal("no working-scope entries after a run")
	}

	var schemas struct {
		Schemas []string `json:"schemas"`
	}
	if code := getJSON(t, h, "/v0/schemas", "", &schemas); code != http.StatusOK {
		t.Fatalf("schemas = %d", code)
	}
	if len(schemas.Schemas) < 14 {
		t.Fatalf("schemas = %v", schemas.Schemas)
	}
}

func TestAuthGuardsEndpoints(t *testing.T) {
	h, _ := testHandler(t, AuthConfig{JWTSecret: "test-secret"})

	if code := getJSON(t, h, "/v0/health", "", nil); code != http.StatusOK {
		t.Fatalf("health with auth enabled = %d", code)
	}
	if code := getJSON(t, h, "/v0/runs", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list = %d", code)
	}
	if code := getJSON(t, h, "/v0/runs", "garbage", nil); code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d", code)
	}

	token, err := IssueDevToken("test-secret", "tester", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if code := getJSON(t, h, "/v0/runs", token, nil); code != http.StatusOK {
		t.Fatalf("authenticated list = %d", code)
	}
}
