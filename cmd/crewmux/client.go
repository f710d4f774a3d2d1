package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// errUnreachable wraps transport failures so the exit code can distinguish
// a down orchestrator from a rejected request.
var errUnreachable = fmt.Errorf("orchestrator unreachable")

// apiError carries the HTTP status of a rejected request so callers can map
// it to an exit code.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("orchestrator returned HTTP %d", e.Status)
}

// apiClient is a thin JSON client for the orchestrator REST API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues a request and decodes the JSON response into out (when non-nil).
// Non-2xx responses become apiError with the server's error message.
func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &remote)
		return &apiError{Status: resp.StatusCode, Message: remote.Error}
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) submitTask(req *v1.SubmitTaskRequest) (*v1.SubmitTaskResponse, error) {
	var resp v1.SubmitTaskResponse
	if err := c.do(http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) getTask(taskID string) (*v1.Task, error) {
	var resp v1.TaskStatusResponse
	if err := c.do(http.MethodGet, "/api/v1/tasks/"+taskID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *apiClient) cancelTask(taskID string) error {
	return c.do(http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil)
}

func (c *apiClient) listAgents() (*v1.AgentListResponse, error) {
	var resp v1.AgentListResponse
	if err := c.do(http.MethodGet, "/api/v1/agents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) restartAgent(agentID string) error {
	return c.do(http.MethodPost, "/api/v1/agents/"+agentID+"/restart", nil, nil)
}

func (c *apiClient) defineWorkflow(spec *v1.WorkflowSpec) (*v1.DefineWorkflowResponse, error) {
	var resp v1.DefineWorkflowResponse
	if err := c.do(http.MethodPost, "/api/v1/workflows", spec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) executeWorkflow(workflowID string, params map[string]interface{}) (*v1.ExecuteWorkflowResponse, error) {
	var resp v1.ExecuteWorkflowResponse
	req := v1.ExecuteWorkflowRequest{Params: params}
	if err := c.do(http.MethodPost, "/api/v1/workflows/"+workflowID+"/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) getExecution(executionID string) (*v1.Execution, error) {
	var resp v1.ExecutionStatusResponse
	if err := c.do(http.MethodGet, "/api/v1/executions/"+executionID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

func (c *apiClient) cancelExecution(executionID string) error {
	return c.do(http.MethodDelete, "/api/v1/executions/"+executionID, nil, nil)
}

// health returns the report and HTTP status. An unhealthy orchestrator
// answers 503 with a full report body, so that is not treated as an error.
func (c *apiClient) health() (map[string]interface{}, int, error) {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return nil, 0, fmt.Errorf("cannot reach orchestrator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var report map[string]interface{}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, resp.StatusCode, err
	}
	return report, resp.StatusCode, nil
}

func (c *apiClient) queueStats() (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(http.MethodGet, "/api/v1/queue/stats", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
