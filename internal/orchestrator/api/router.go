package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/httpmw"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/orchestrator"
	"github.com/crewmux/crewmux/internal/orchestrator/streaming"
)

// SetupRoutes registers the orchestrator API routes on the group.
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.SubmitTask)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.DELETE("/:taskId", handler.CancelTask)
	}

	router.GET("/queue/stats", handler.GetQueueStats)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.POST("/:agentId/restart", handler.RestartAgent)
	}

	workflows := router.Group("/workflows")
	{
		workflows.POST("", handler.DefineWorkflow)
		workflows.GET("", handler.ListWorkflows)
		workflows.GET("/:workflowId", handler.GetWorkflow)
		workflows.POST("/:workflowId/execute", handler.ExecuteWorkflow)
	}

	executions := router.Group("/executions")
	{
		executions.GET("/:executionId", handler.GetExecution)
		executions.DELETE("/:executionId", handler.CancelExecution)
	}
}

// NewRouter builds the full gin engine: middleware, versioned API, health,
// metrics and the websocket stream.
func NewRouter(service *orchestrator.Service, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(httpmw.Recovery(log))

	group := router.Group("/api/v1")
	SetupRoutes(group, service, log)

	handler := NewHandler(service, log)
	router.GET("/health", handler.GetHealth)
	router.GET("/metrics", gin.WrapH(service.Metrics.Handler()))

	wsHandler := streaming.NewHandler(service.Hub, log)
	router.GET("/ws", wsHandler.Stream)

	return router
}

// NewServer wraps the router in an http.Server with the configured
// listen address and timeouts.
func NewServer(cfg *config.ServerConfig, service *orchestrator.Service, log *logger.Logger) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      NewRouter(service, log),
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
}
