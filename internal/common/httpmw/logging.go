package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
)

// paramFields maps route parameters onto log fields so entries for task,
// agent and workflow endpoints carry the resource they touched.
var paramFields = map[string]string{
	"taskId":      "task_id",
	"agentId":     "agent_id",
	"workflowId":  "workflow_id",
	"executionId": "execution_id",
}

// RequestLogger logs each request after its handler completes. Server errors
// log at error level, caller errors at warn, everything else at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client", c.ClientIP()),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		fields = append(fields, resourceFields(c)...)
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

// resourceFields extracts the resource ids present in the matched route.
func resourceFields(c *gin.Context) []zap.Field {
	var fields []zap.Field
	for _, p := range c.Params {
		if name, ok := paramFields[p.Key]; ok {
			fields = append(fields, zap.String(name, p.Value))
		}
	}
	return fields
}
