package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/orchestrator"
	"github.com/crewmux/crewmux/internal/orchestrator/health"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// Handler contains the HTTP handlers for the orchestrator API.
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates an API handler bound to the service.
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// SubmitTask accepts a task for an agent.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, err)
		return
	}

	t, err := h.service.Queue.Submit(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("task rejected", zap.String("agent", req.Agent), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.SubmitTaskResponse{TaskID: t.ID})
}

// GetTask returns the current state of a task.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	t, err := h.service.Queue.GetStatus(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.TaskStatusResponse{Task: t})
}

// CancelTask cancels a task and skips its dependents.
// DELETE /api/v1/tasks/:taskId
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.service.Queue.Cancel(c.Request.Context(), taskID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "state": string(v1.TaskStateCancelled)})
}

// GetQueueStats returns queue occupancy counters.
// GET /api/v1/queue/stats
func (h *Handler) GetQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Queue.GetStats())
}

// ListAgents returns every registered agent.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.service.Registry.List()
	c.JSON(http.StatusOK, v1.AgentListResponse{Agents: agents, Total: len(agents)})
}

// GetAgent returns one agent record.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	record, err := h.service.Registry.Get(c.Param("agentId"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Kind:  task.KindValidation.String(),
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// RestartAgent kills and recreates the agent's terminal session.
// POST /api/v1/agents/:agentId/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	bridge, ok := h.service.Bridge(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "unknown agent " + agentID,
			Kind:  task.KindValidation.String(),
		})
		return
	}

	if err := bridge.Restart(c.Request.Context()); err != nil {
		h.logger.Error("agent restart failed", zap.String("agent_id", agentID), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "restarted": true})
}

// DefineWorkflow validates and stores a workflow template.
// POST /api/v1/workflows
func (h *Handler) DefineWorkflow(c *gin.Context) {
	var spec v1.WorkflowSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeValidationError(c, err)
		return
	}

	id, err := h.service.Workflows.Define(c.Request.Context(), &spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.DefineWorkflowResponse{WorkflowID: id})
}

// ListWorkflows returns all stored workflow templates.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	workflows := h.service.Workflows.ListWorkflows()
	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "total": len(workflows)})
}

// GetWorkflow returns one workflow template.
// GET /api/v1/workflows/:workflowId
func (h *Handler) GetWorkflow(c *gin.Context) {
	spec, err := h.service.Workflows.GetWorkflow(c.Param("workflowId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// ExecuteWorkflow starts a run of a stored workflow.
// POST /api/v1/workflows/:workflowId/execute
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	var req v1.ExecuteWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		writeValidationError(c, err)
		return
	}

	executionID, err := h.service.Workflows.Execute(c.Request.Context(), c.Param("workflowId"), req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.ExecuteWorkflowResponse{ExecutionID: executionID})
}

// GetExecution returns a snapshot of a workflow run.
// GET /api/v1/executions/:executionId
func (h *Handler) GetExecution(c *gin.Context) {
	record, err := h.service.Workflows.Status(c.Param("executionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.ExecutionStatusResponse{Execution: record})
}

// CancelExecution stops a workflow run and its outstanding tasks.
// DELETE /api/v1/executions/:executionId
func (h *Handler) CancelExecution(c *gin.Context) {
	executionID := c.Param("executionId")
	if err := h.service.Workflows.Cancel(c.Request.Context(), executionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID, "status": string(v1.ExecutionCancelled)})
}

// GetHealth returns the latest aggregated health report. An unhealthy
// orchestrator answers 503 so load balancers can act on the status code.
// GET /health
func (h *Handler) GetHealth(c *gin.Context) {
	report := h.service.Collector.Last()
	status := http.StatusOK
	if report.State == health.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
