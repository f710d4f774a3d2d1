package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
	"github.com/crewmux/crewmux/internal/events/kv"
	"github.com/crewmux/crewmux/internal/orchestrator/health"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// Registry is the single source of truth for agent records. Each record has
// one writer (its bridge); the offline sweep is the only cross-agent writer
// and only ever moves agents to OFFLINE.
type Registry struct {
	store   kv.Store
	bus     bus.EventBus
	metrics *health.Metrics
	logger  *logger.Logger

	mu     sync.RWMutex
	agents map[string]*v1.AgentRecord
}

// NewRegistry creates an empty registry.
func NewRegistry(store kv.Store, eventBus bus.EventBus, metrics *health.Metrics, log *logger.Logger) *Registry {
	return &Registry{
		store:   store,
		bus:     eventBus,
		metrics: metrics,
		logger:  log.WithFields(zap.String("component", "agent-registry")),
		agents:  make(map[string]*v1.AgentRecord),
	}
}

// Register adds an agent from the roster. Idempotent; re-registering an
// OFFLINE agent brings it back as IDLE.
func (r *Registry) Register(ctx context.Context, id, sessionName string, capabilities []string) *v1.AgentRecord {
	r.mu.Lock()
	record, ok := r.agents[id]
	if !ok {
		// Registration counts as the first heartbeat so a roster agent is
		// not swept offline before its bridge starts beating.
		record = &v1.AgentRecord{
			ID:            id,
			SessionName:   sessionName,
			Status:        v1.AgentStatusIdle,
			LastHeartbeat: time.Now().UTC(),
		}
		r.agents[id] = record
	}
	record.SessionName = sessionName
	record.Capabilities = append([]string(nil), capabilities...)
	if record.Status == v1.AgentStatusOffline {
		record.Status = v1.AgentStatusIdle
		record.ErrorMessage = ""
	}
	clone := record.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	r.updateActiveGauge()
	return clone
}

// Get returns a snapshot of one agent record.
func (r *Registry) Get(id string) (*v1.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[id]
	if !ok {
		return nil, task.Validationf("registry.get", "unknown agent %q", id)
	}
	return record.Clone(), nil
}

// List returns snapshots of all agent records, ordered by id.
func (r *Registry) List() []*v1.AgentRecord {
	r.mu.RLock()
	out := make([]*v1.AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		out = append(out, record.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetBusy marks the agent as executing the given task.
func (r *Registry) SetBusy(ctx context.Context, id, taskID string) error {
	return r.mutate(ctx, id, func(record *v1.AgentRecord) {
		record.Status = v1.AgentStatusBusy
		record.CurrentTaskID = taskID
		record.Load++
		record.ErrorMessage = ""
	})
}

// SetIdle marks the agent as free.
func (r *Registry) SetIdle(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(record *v1.AgentRecord) {
		record.Status = v1.AgentStatusIdle
		record.CurrentTaskID = ""
		if record.Load > 0 {
			record.Load--
		}
		record.ErrorMessage = ""
	})
}

// SetError records a driver failure for the agent.
func (r *Registry) SetError(ctx context.Context, id, message string) error {
	return r.mutate(ctx, id, func(record *v1.AgentRecord) {
		record.Status = v1.AgentStatusError
		record.CurrentTaskID = ""
		if record.Load > 0 {
			record.Load--
		}
		record.ErrorMessage = message
	})
}

// Heartbeat refreshes the agent's liveness timestamp and announces it on the
// bus. The timestamp only moves forward.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	var clone *v1.AgentRecord

	r.mu.Lock()
	record, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return task.Validationf("registry.heartbeat", "unknown agent %q", id)
	}
	if now.After(record.LastHeartbeat) {
		record.LastHeartbeat = now
	}
	if record.Status == v1.AgentStatusOffline {
		record.Status = v1.AgentStatusIdle
		record.ErrorMessage = ""
		r.logger.Info("agent recovered", zap.String("agent_id", id))
	}
	clone = record.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	r.updateActiveGauge()
	if r.bus != nil {
		event := bus.NewEvent("agent.heartbeat", "bridge:"+id, map[string]interface{}{
			"agent_id":        clone.ID,
			"last_heartbeat":  clone.LastHeartbeat.Format(time.RFC3339Nano),
			"status":          string(clone.Status),
			"current_task_id": clone.CurrentTaskID,
		})
		if err := r.bus.Publish(ctx, bus.EventSubject("agent.heartbeat"), event); err != nil {
			r.logger.Warn("failed to publish heartbeat", zap.Error(err))
		}
	}
	return nil
}

// SweepOffline marks agents whose heartbeat is older than timeout as OFFLINE
// and returns their ids. The queue's dispatch gate consults the resulting
// status.
func (r *Registry) SweepOffline(ctx context.Context, timeout time.Duration) []string {
	now := time.Now().UTC()
	var swept []*v1.AgentRecord

	r.mu.Lock()
	for _, record := range r.agents {
		if record.Status == v1.AgentStatusOffline {
			continue
		}
		if now.Sub(record.LastHeartbeat) < timeout {
			continue
		}
		record.Status = v1.AgentStatusOffline
		record.ErrorMessage = fmt.Sprintf("no heartbeat since %s", record.LastHeartbeat.Format(time.RFC3339))
		swept = append(swept, record.Clone())
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(swept))
	for _, record := range swept {
		ids = append(ids, record.ID)
		r.metrics.HeartbeatMisses.Inc()
		r.logger.Warn("agent marked offline", zap.String("agent_id", record.ID))
		r.persist(ctx, record)
		if r.bus != nil {
			event := bus.NewEvent("agent.offline", "agent-registry", map[string]interface{}{
				"agent_id": record.ID,
			})
			if err := r.bus.Publish(ctx, bus.EventSubject("agent.offline"), event); err != nil {
				r.logger.Warn("failed to publish offline event", zap.Error(err))
			}
		}
	}
	if len(ids) > 0 {
		r.updateActiveGauge()
	}
	return ids
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*v1.AgentRecord)) error {
	r.mu.Lock()
	record, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return task.Validationf("registry.update", "unknown agent %q", id)
	}
	fn(record)
	clone := record.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	r.updateActiveGauge()
	return nil
}

func (r *Registry) persist(ctx context.Context, record *v1.AgentRecord) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		r.logger.Error("failed to marshal agent record", zap.Error(err))
		return
	}
	if err := r.store.Set(ctx, kv.AgentKey(record.ID), raw, 0); err != nil {
		r.logger.Warn("failed to persist agent record",
			zap.String("agent_id", record.ID), zap.Error(err))
	}
}

func (r *Registry) updateActiveGauge() {
	r.mu.RLock()
	active := 0
	for _, record := range r.agents {
		if record.Status != v1.AgentStatusOffline {
			active++
		}
	}
	r.mu.RUnlock()
	r.metrics.AgentsActive.Set(float64(active))
}
