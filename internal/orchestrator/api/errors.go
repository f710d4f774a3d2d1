// Package api provides the REST surface of the orchestrator.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewmux/crewmux/internal/orchestrator/queue"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	"github.com/crewmux/crewmux/internal/orchestrator/workflow"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// httpStatus maps a classified error to an HTTP status code. Lookup misses
// are 404, validation failures 400, protocol violations 409 and resource
// exhaustion or unavailable agents come back retriable.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, queue.ErrUnknownAgent),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	}

	switch task.KindOf(err) {
	case task.KindValidation:
		return http.StatusBadRequest
	case task.KindProtocol:
		return http.StatusConflict
	case task.KindAgentOffline, task.KindCircuitOpen, task.KindTransient:
		return http.StatusServiceUnavailable
	case task.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), ErrorResponse{
		Error: err.Error(),
		Kind:  task.KindOf(err).String(),
	})
}

func writeValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: err.Error(),
		Kind:  task.KindValidation.String(),
	})
}
