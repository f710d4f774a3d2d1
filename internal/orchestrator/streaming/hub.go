// Package streaming fans lifecycle events out to websocket clients. Each
// client filters by subject patterns (NATS-style wildcards); the hub bridges
// the internal event bus to the sockets.
package streaming

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
)

// envelope is the wire form sent to websocket clients.
type envelope struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Hub relays bus events to connected websocket clients.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	events     chan *bus.Event

	mu      sync.RWMutex
	clients map[*Client]bool

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sub     bus.Subscription
}

// NewHub creates a stopped hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "ws-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *bus.Event, 256),
		clients:    make(map[*Client]bool),
	}
}

// Start subscribes to every lifecycle event and launches the relay loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	sub, err := h.bus.Subscribe(bus.AllEvents, func(_ context.Context, event *bus.Event) error {
		select {
		case h.events <- event:
		default:
			// A stalled hub drops events rather than blocking the bus.
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.wg.Add(1)
	go h.run(ctx)
	h.logger.Info("websocket hub started")
	return nil
}

// Stop halts the relay loop and closes all client connections.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.wg.Wait()

	h.mu.Lock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.logger.Info("websocket hub stopped")
}

// Register adds a client to the hub. A no-op while the hub is stopped.
func (h *Hub) Register(client *Client) {
	h.mu.RLock()
	running, stopCh := h.running, h.stopCh
	h.mu.RUnlock()
	if !running {
		return
	}
	select {
	case h.register <- client:
	case <-stopCh:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.RLock()
	running, stopCh := h.running, h.stopCh
	h.mu.RUnlock()
	if !running {
		return
	}
	select {
	case h.unregister <- client:
	case <-stopCh:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event *bus.Event) {
	subject := bus.EventSubject(event.Type)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(subject) {
			continue
		}
		if !client.trySend(&envelope{Subject: subject, Event: event}) {
			// Send buffer full: drop the laggard.
			delete(h.clients, client)
			client.closeSend()
		}
	}
}
