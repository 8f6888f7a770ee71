package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/flowci/internal/config"
	"github.com/lei/flowci/internal/coordinator"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/runner"
	"github.com/lei/flowci/internal/service"
	"github.com/lei/flowci/internal/store"
	"github.com/lei/flowci/internal/workflow"
	"github.com/lei/flowci/pkg/logger"
)

const testWorkflow = `
name: Tests
on:
  push:
    branches: [main]
jobs:
  test:
    runs-on: linux
    steps:
      - name: Test
        run: make test
`

func newTestRouter(t *testing.T, keys []config.APIKey) (*chi.Mux, *coordinator.Coordinator) {
	t.Helper()

	st, err := store.Open("", nil)
	require.NoError(t, err)

	coord := coordinator.New(coordinator.Config{Runner: &runner.Static{}, Store: st})
	t.Cleanup(coord.Shutdown)

	def, err := workflow.Parse([]byte(testWorkflow))
	require.NoError(t, err)
	require.NoError(t, coord.Register(def))

	svc := service.NewService(coord, st, logger.NewNop())
	router := NewRouter(
		NewHandlers(svc),
		NewAuthMiddleware(keys),
		NewLoggingMiddleware(logger.NewNop()),
	)
	return router, coord
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "flowci-engine", health["service"])
}

func TestSubmitEvent_MatchStartsRun(t *testing.T) {
	router, coord := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/events", map[string]string{
		"kind":       "push",
		"repository": "acme/widgets",
		"ref":        "refs/heads/main",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Matched bool          `json:"matched"`
		Runs    []*models.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Matched)
	require.Len(t, resp.Runs, 1)
	runID := resp.Runs[0].RunID
	require.NotEmpty(t, runID)

	coord.Wait(runID)

	rec = doJSON(t, router, http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Run *models.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusSucceeded, got.Run.Status)
	require.Len(t, got.Run.Instances, 1)
}

func TestSubmitEvent_MismatchIsNotAnError(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/events", map[string]string{
		"kind":       "push",
		"repository": "acme/widgets",
		"ref":        "refs/heads/dev",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Matched bool `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Matched)
}

func TestSubmitEvent_Invalid(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	// unknown event kind
	rec := doJSON(t, router, http.MethodPost, "/v1/events", map[string]string{
		"kind":       "tag",
		"repository": "acme/widgets",
		"ref":        "refs/tags/v1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// missing repository
	rec = doJSON(t, router, http.MethodPost, "/v1/events", map[string]string{
		"kind": "push",
		"ref":  "refs/heads/main",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// malformed body
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString("{"))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestListWorkflows(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Workflows []struct {
			Name     string   `json:"name"`
			Triggers []string `json:"triggers"`
			Jobs     []string `json:"jobs"`
		} `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 1)
	assert.Equal(t, "Tests", resp.Workflows[0].Name)
	assert.Equal(t, []string{"push"}, resp.Workflows[0].Triggers)
	assert.Equal(t, []string{"test"}, resp.Workflows[0].Jobs)
}

func TestGetWorkflow(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/workflows/Tests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "name: Tests")

	rec = doJSON(t, router, http.MethodGet, "/v1/workflows/Nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstanceAndStepLogs(t *testing.T) {
	router, coord := newTestRouter(t, nil)

	runs := coord.OnEvent(models.Event{
		Kind:       models.EventPush,
		Repository: "acme/widgets",
		Ref:        "refs/heads/main",
	})
	require.Len(t, runs, 1)
	coord.Wait(runs[0].RunID)

	rec := doJSON(t, router, http.MethodGet, "/v1/runs/"+runs[0].RunID+"/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Instances []*models.JobInstance `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Instances, 1)
	instanceID := list.Instances[0].InstanceID

	base := "/v1/runs/" + runs[0].RunID + "/instances/" + instanceID
	rec = doJSON(t, router, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Captured step output is served through the logs endpoint
	rec = doJSON(t, router, http.MethodGet, base+"/steps/0/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var step struct {
		Step *models.Step `json:"step"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &step))
	require.NotNil(t, step.Step.Result)
	assert.Equal(t, "ok\n", step.Step.Result.Stdout)

	rec = doJSON(t, router, http.MethodGet, base+"/steps/9/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, base+"/steps/x/logs", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/runs/"+runs[0].RunID+"/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	router, coord := newTestRouter(t, nil)

	runs := coord.OnEvent(models.Event{
		Kind:       models.EventPush,
		Repository: "acme/widgets",
		Ref:        "refs/heads/main",
	})
	require.Len(t, runs, 1)
	coord.Wait(runs[0].RunID)

	rec := doJSON(t, router, http.MethodGet, "/v1/runs/"+runs[0].RunID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, `"scope":"step"`)
	assert.Contains(t, body, `"status":"succeeded"`)
	assert.Contains(t, body, "event: done")
}

func TestStreamEvents_UnknownRun(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	// Headers are committed before the lookup; the failure arrives as an
	// error event on the stream
	rec := doJSON(t, router, http.MethodGet, "/v1/runs/nope/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: error")
}

func TestCancelRun_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthentication(t *testing.T) {
	keys := []config.APIKey{{Name: "platform", Key: "secret-key"}}
	router, _ := newTestRouter(t, keys)

	// health stays open
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec2 = httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec2 = httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
