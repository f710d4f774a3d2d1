package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/orchestrator"
	"github.com/crewmux/crewmux/internal/tmux"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

func newTestRouter(t *testing.T) (*gin.Engine, *orchestrator.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Tmux: config.TmuxConfig{
			CommitDelaySeconds: 0.1,
			MaxConcurrentCalls: 4,
			MaxQueuedCalls:     16,
		},
		Queue: config.QueueConfig{
			PollIntervalSeconds:    0.05,
			MonitorIntervalSeconds: 1,
			CleanerIntervalSeconds: 60,
			DefaultTimeoutSeconds:  300,
			DefaultMaxRetries:      3,
			DefaultTTLSeconds:      3600,
			FailedTTLSeconds:       86400,
		},
		Bridge: config.BridgeConfig{
			HeartbeatIntervalSeconds: 5,
			OfflineTimeoutSeconds:    30,
			PanePollIntervalSeconds:  1,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			OpenTimeoutSeconds: 30,
		},
		Workflow: config.WorkflowConfig{StepPoolSize: 10},
		Health:   config.HealthConfig{ProbeIntervalSeconds: 30},
		Agents: []config.AgentSpec{
			{ID: "worker-1", Session: "crew-worker-1"},
			{ID: "worker-2", Session: "crew-worker-2"},
		},
	}

	service, err := orchestrator.NewService(cfg, tmux.NewFakeDriver(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		service.Bus.Close()
		_ = service.Store.Close()
	})
	return NewRouter(service, logger.Default()), service
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndGetTask(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.SubmitTaskRequest{
		Agent:   "worker-1",
		Command: "make test",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted v1.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.TaskID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status v1.TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "worker-1", status.Task.Agent)
	assert.Equal(t, v1.TaskStatePending, status.Task.State)
}

func TestSubmitTaskValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		name string
		req  v1.SubmitTaskRequest
		code int
	}{
		{"missing command", v1.SubmitTaskRequest{Agent: "worker-1"}, http.StatusBadRequest},
		{"unknown agent", v1.SubmitTaskRequest{Agent: "nobody", Command: "ls"}, http.StatusNotFound},
		{"unknown dependency", v1.SubmitTaskRequest{
			Agent: "worker-1", Command: "ls", Dependencies: []string{"ghost"},
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", tc.req)
			assert.Equal(t, tc.code, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.SubmitTaskRequest{
		Agent:   "worker-1",
		Command: "sleep 60",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted v1.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/tasks/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status v1.TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, v1.TaskStateCancelled, status.Task.State)
}

func TestListAgents(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list v1.AgentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
}

func TestGetAgentNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartAgent(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents/worker-1/restart", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/nobody/restart", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	spec := v1.WorkflowSpec{
		Name: "build-and-test",
		Steps: []v1.StepSpec{
			{ID: "build", Agent: "worker-1", Action: "make build"},
			{ID: "test", Agent: "worker-2", Action: "make test", DependsOn: []string{"build"}},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/workflows", spec)
	require.Equal(t, http.StatusCreated, rec.Code)

	var defined v1.DefineWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defined))
	require.NotEmpty(t, defined.WorkflowID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/workflows/"+defined.WorkflowID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost,
		"/api/v1/workflows/"+defined.WorkflowID+"/execute",
		v1.ExecuteWorkflowRequest{Params: map[string]interface{}{"branch": "main"}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started v1.ExecuteWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.ExecutionID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/executions/"+started.ExecutionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/executions/"+started.ExecutionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/executions/"+started.ExecutionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status v1.ExecutionStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, v1.ExecutionCancelled, status.Execution.Status)
}

func TestDefineWorkflowRejectsCycle(t *testing.T) {
	router, _ := newTestRouter(t)

	spec := v1.WorkflowSpec{
		Name: "cyclic",
		Steps: []v1.StepSpec{
			{ID: "a", Agent: "worker-1", Action: "x", DependsOn: []string{"b"}},
			{ID: "b", Agent: "worker-1", Action: "y", DependsOn: []string{"a"}},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/workflows", spec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/workflows/ghost/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report, "state")
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tasks_submitted_total")
}

func TestQueueStats(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks", v1.SubmitTaskRequest{
		Agent:   "worker-1",
		Command: "true",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "by_state")
}
