package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket connection with its subject filters.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	logger *logger.Logger

	sendCh chan *envelope

	mu       sync.RWMutex
	patterns []string
	closed   bool
}

// NewClient wraps an upgraded connection. An empty pattern list means the
// client receives every event.
func NewClient(id string, conn *websocket.Conn, hub *Hub, patterns []string, log *logger.Logger) *Client {
	if len(patterns) == 0 {
		patterns = []string{bus.AllEvents}
	}
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		logger:   log.WithFields(zap.String("client_id", id)),
		sendCh:   make(chan *envelope, 64),
		patterns: patterns,
	}
}

// wants reports whether the client's patterns match the subject.
func (c *Client) wants(subject string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, pattern := range c.patterns {
		if bus.MatchSubject(subject, pattern) {
			return true
		}
	}
	return false
}

// trySend queues an envelope without blocking; false means the buffer is full.
func (c *Client) trySend(env *envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.sendCh <- env:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
}

// WritePump drains the send channel onto the socket with keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump consumes control frames until the client disconnects. Incoming
// text frames may update the subject filters: {"subjects": ["events.task.*"]}.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
		var msg struct {
			Subjects []string `json:"subjects"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || len(msg.Subjects) == 0 {
			continue
		}
		c.mu.Lock()
		c.patterns = msg.Subjects
		c.mu.Unlock()
		c.logger.Debug("filters updated", zap.Strings("subjects", msg.Subjects))
	}
}
