package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Single-operator deployments; the API binds to localhost by default.
		return true
	},
}

// Handler upgrades HTTP connections into hub clients.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a websocket handler for the hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log.WithFields(zap.String("component", "ws-handler"))}
}

// Stream handles GET /ws?subjects=events.task.*,events.agent.*
func (h *Handler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	patterns := c.QueryArray("subjects")
	client := NewClient(uuid.New().String(), conn, h.hub, patterns, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
