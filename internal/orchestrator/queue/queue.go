// Package queue implements the distributed priority queue: per-agent ready
// heaps, dependency gating, retry backoff with jitter, a timeout monitor and
// a terminal-task cleaner. Task records are mirrored into the kv sidecar so
// status survives restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
	"github.com/crewmux/crewmux/internal/events/kv"
	"github.com/crewmux/crewmux/internal/orchestrator/health"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

var (
	// ErrQueueAlreadyRunning is returned when Start is called twice.
	ErrQueueAlreadyRunning = errors.New("queue is already running")
	// ErrQueueNotRunning is returned when Stop is called before Start.
	ErrQueueNotRunning = errors.New("queue is not running")
	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownAgent is returned when a task targets an unregistered agent.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrQueueFull is returned when the pending set hit the configured cap.
	ErrQueueFull = errors.New("queue is full")
)

// DispatchGate is consulted before handing a task to an agent's consumer.
// A non-nil error holds the task back without failing it; the scheduler
// retries on the next poll.
type DispatchGate func(agent string) error

// Manager owns all task state. Consumers block in Get until a task for
// their agent becomes both ready and dispatchable.
type Manager struct {
	cfg     config.QueueConfig
	store   kv.Store
	bus     bus.EventBus
	metrics *health.Metrics
	logger  *logger.Logger

	mu      sync.Mutex
	tasks   map[string]*v1.Task
	agents  map[string]*agentQueue
	delayed map[string]time.Time           // task id -> visible-at, for retry backoff
	waiting map[string]map[string]struct{} // dependency id -> dependent task ids
	inflight map[string]time.Time          // task id -> execution deadline
	gate    DispatchGate

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a stopped queue manager.
func NewManager(cfg config.QueueConfig, store kv.Store, eventBus bus.EventBus, metrics *health.Metrics, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		bus:      eventBus,
		metrics:  metrics,
		logger:   log.WithFields(zap.String("component", "queue")),
		tasks:    make(map[string]*v1.Task),
		agents:   make(map[string]*agentQueue),
		delayed:  make(map[string]time.Time),
		waiting:  make(map[string]map[string]struct{}),
		inflight: make(map[string]time.Time),
	}
}

// SetDispatchGate installs the pre-dispatch check. Must be called before Start.
func (m *Manager) SetDispatchGate(gate DispatchGate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

// RegisterAgent creates the ready heap for an agent. Idempotent.
func (m *Manager) RegisterAgent(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent]; !ok {
		m.agents[agent] = newAgentQueue()
	}
}

// Start rebuilds the in-memory queue from the sidecar, then launches the
// scheduler, timeout monitor and cleaner loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrQueueAlreadyRunning
	}
	if err := m.restoreLocked(ctx); err != nil {
		m.logger.Warn("queue restore failed", zap.Error(err))
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(3)
	go m.schedulerLoop(ctx)
	go m.monitorLoop(ctx)
	go m.cleanerLoop(ctx)

	m.logger.Info("queue started",
		zap.Duration("poll_interval", m.cfg.PollInterval()),
		zap.Duration("monitor_interval", m.cfg.MonitorInterval()))
	return nil
}

// Stop halts the background loops. Pending tasks stay queued.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrQueueNotRunning
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("queue stopped")
	return nil
}

// Submit validates and enqueues a new task. Tasks whose dependencies are not
// yet complete stay off the ready heap until the last dependency finishes.
func (m *Manager) Submit(ctx context.Context, req *v1.SubmitTaskRequest) (*v1.Task, error) {
	if err := task.ValidateCommand(req.Kind, req.Command); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[req.Agent]; !ok {
		return nil, task.NewError(task.KindValidation, "queue.submit",
			fmt.Errorf("%w: %q", ErrUnknownAgent, req.Agent))
	}
	if m.cfg.MaxSize > 0 && m.pendingCountLocked() >= m.cfg.MaxSize {
		return nil, task.NewError(task.KindTransient, "queue.submit", ErrQueueFull)
	}
	for _, dep := range req.Dependencies {
		if _, ok := m.tasks[dep]; !ok {
			return nil, task.Validationf("queue.submit", "unknown dependency %q", dep)
		}
	}

	t := m.buildTask(req)
	m.tasks[t.ID] = t
	m.metrics.TasksSubmitted.Inc()
	m.bumpMetricLocked(ctx, "tasks_submitted")
	m.persistLocked(ctx, t)
	m.publishTaskEvent(ctx, "task.submitted", t)

	// Index the unfinished dependencies; a dependency that already failed
	// terminally skips the new task immediately.
	blocked := false
	for _, dep := range req.Dependencies {
		depTask := m.tasks[dep]
		switch {
		case depTask.State == v1.TaskStateCompleted:
			// satisfied
		case depTask.State.Terminal():
			m.skipLocked(ctx, t, fmt.Sprintf("dependency %s is %s", dep, depTask.State))
			return t.Clone(), nil
		default:
			blocked = true
			if m.waiting[dep] == nil {
				m.waiting[dep] = make(map[string]struct{})
			}
			m.waiting[dep][t.ID] = struct{}{}
		}
	}
	if !blocked {
		m.enqueueLocked(ctx, t)
	}
	return t.Clone(), nil
}

func (m *Manager) buildTask(req *v1.SubmitTaskRequest) *v1.Task {
	t := &v1.Task{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Agent:          req.Agent,
		Kind:           req.Kind,
		Command:        req.Command,
		Params:         req.Params,
		Priority:       v1.ParsePriority(req.Priority),
		State:          v1.TaskStatePending,
		MaxRetries:     m.cfg.DefaultMaxRetries,
		TimeoutSeconds: m.cfg.DefaultTimeoutSeconds,
		TTLSeconds:     m.cfg.DefaultTTLSeconds,
		Dependencies:   append([]string(nil), req.Dependencies...),
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if t.Kind == "" {
		t.Kind = task.DefaultCommandKind
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil {
		t.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.TTLSeconds != nil {
		t.TTLSeconds = *req.TTLSeconds
	}
	return t
}

// Get blocks until a ready, dispatchable task for the agent is available,
// marks it SCHEDULED and returns it. It returns ctx.Err on cancellation and
// ErrQueueNotRunning when the queue shuts down.
func (m *Manager) Get(ctx context.Context, agent string) (*v1.Task, error) {
	m.mu.Lock()
	aq, ok := m.agents[agent]
	if !ok {
		m.mu.Unlock()
		return nil, task.NewError(task.KindValidation, "queue.get",
			fmt.Errorf("%w: %q", ErrUnknownAgent, agent))
	}
	stopCh := m.stopCh
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	for {
		if t, ok := m.tryDispatch(ctx, agent, aq); ok {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stopCh:
			return nil, ErrQueueNotRunning
		case <-aq.notify:
		case <-ticker.C:
			// re-check the gate and any newly visible retries
		}
	}
}

func (m *Manager) tryDispatch(ctx context.Context, agent string, aq *agentQueue) (*v1.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := aq.peek(); !ok {
		return nil, false
	}
	if m.gate != nil {
		if err := m.gate(agent); err != nil {
			return nil, false
		}
	}
	id, _ := aq.pop()
	t := m.tasks[id]
	if t == nil || t.State != v1.TaskStatePending {
		// cancelled while queued; drop the stale entry
		return nil, false
	}

	now := time.Now().UTC()
	t.State = v1.TaskStateScheduled
	t.ScheduledAt = &now
	// Provisional deadline in case the bridge never reports the start; it is
	// re-anchored at started_at by MarkRunning.
	m.inflight[id] = now.Add(time.Duration(t.TimeoutSeconds) * time.Second)

	m.metrics.QueueWait.Observe(now.Sub(t.CreatedAt).Seconds())
	m.metrics.QueueDepth.WithLabelValues(agent, t.Priority.String()).Dec()
	m.persistLocked(ctx, t)
	m.persistQueueLocked(ctx, agent)
	m.persistProcessingLocked(ctx)
	m.publishTaskEvent(ctx, "task.scheduled", t)
	return t.Clone(), true
}

// MarkRunning records that the bridge has delivered the task to its agent.
func (m *Manager) MarkRunning(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return task.NewError(task.KindValidation, "queue.running", ErrTaskNotFound)
	}
	if !task.CanTransition(t.State, v1.TaskStateRunning) {
		return task.NewError(task.KindProtocol, "queue.running",
			fmt.Errorf("cannot start task in state %s", t.State))
	}
	now := time.Now().UTC()
	t.State = v1.TaskStateRunning
	t.StartedAt = &now
	// The execution budget runs from started_at; delivery time (sentinel
	// writes with their commit delays) does not count against it.
	m.inflight[taskID] = now.Add(time.Duration(t.TimeoutSeconds) * time.Second)
	m.persistLocked(ctx, t)
	m.persistProcessingLocked(ctx)
	m.publishTaskEvent(ctx, "task.started", t)
	return nil
}

// Complete records a successful result. Completing an already-completed task
// with the same result is a no-op; a conflicting result is a protocol error.
// Results for cancelled or failed tasks are discarded silently.
func (m *Manager) Complete(ctx context.Context, taskID string, result *v1.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return task.NewError(task.KindValidation, "queue.complete", ErrTaskNotFound)
	}
	switch t.State {
	case v1.TaskStateCompleted:
		if sameResult(t.Result, result) {
			return nil
		}
		return task.NewError(task.KindProtocol, "queue.complete",
			fmt.Errorf("task %s already completed with a different result", taskID))
	case v1.TaskStateCancelled, v1.TaskStateFailed, v1.TaskStateSkipped:
		m.logger.Debug("discarding result for terminal task",
			zap.String("task_id", taskID), zap.String("state", string(t.State)))
		return nil
	}
	if !task.CanTransition(t.State, v1.TaskStateCompleted) {
		return task.NewError(task.KindProtocol, "queue.complete",
			fmt.Errorf("cannot complete task in state %s", t.State))
	}

	now := time.Now().UTC()
	t.State = v1.TaskStateCompleted
	t.CompletedAt = &now
	t.Result = result
	delete(m.inflight, taskID)

	m.metrics.TasksCompleted.Inc()
	m.bumpMetricLocked(ctx, "tasks_completed")
	if t.StartedAt != nil {
		m.metrics.TaskDuration.WithLabelValues(t.Agent).Observe(now.Sub(*t.StartedAt).Seconds())
	}
	m.persistLocked(ctx, t)
	m.persistProcessingLocked(ctx)
	m.publishResult(ctx, t)
	m.publishTaskEvent(ctx, "task.completed", t)
	m.promoteDependentsLocked(ctx, taskID)
	return nil
}

// Fail records a failed attempt. Retriable failures with retries left go
// back to PENDING after a jittered exponential backoff; everything else is
// terminal and skips downstream dependents.
func (m *Manager) Fail(ctx context.Context, taskID string, cause string, retriable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failLocked(ctx, taskID, cause, retriable)
}

func (m *Manager) failLocked(ctx context.Context, taskID, cause string, retriable bool) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return task.NewError(task.KindValidation, "queue.fail", ErrTaskNotFound)
	}
	if t.State.Terminal() {
		return nil
	}
	delete(m.inflight, taskID)

	if retriable && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.State = v1.TaskStateRetrying
		t.Error = cause
		t.ScheduledAt = nil
		t.StartedAt = nil
		delay := retryBackoff(t.RetryCount)
		m.delayed[taskID] = time.Now().UTC().Add(delay)

		m.metrics.TasksRetried.Inc()
		m.bumpMetricLocked(ctx, "tasks_retried")
		m.logger.Info("task retrying",
			zap.String("task_id", taskID),
			zap.Int("attempt", t.RetryCount),
			zap.Duration("backoff", delay),
			zap.String("cause", cause))
		m.persistLocked(ctx, t)
		m.persistDelayedLocked(ctx)
		m.persistProcessingLocked(ctx)
		m.publishTaskEvent(ctx, "task.retrying", t)
		return nil
	}

	now := time.Now().UTC()
	t.State = v1.TaskStateFailed
	t.CompletedAt = &now
	t.Error = cause
	t.TTLSeconds = m.cfg.FailedTTLSeconds

	m.metrics.TasksFailed.Inc()
	m.bumpMetricLocked(ctx, "tasks_failed")
	if t.StartedAt != nil {
		m.metrics.TaskDuration.WithLabelValues(t.Agent).Observe(now.Sub(*t.StartedAt).Seconds())
	}
	m.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.Int("attempts", t.RetryCount+1),
		zap.String("cause", cause))
	m.persistLocked(ctx, t)
	m.persistProcessingLocked(ctx)
	m.publishResult(ctx, t)
	m.publishTaskEvent(ctx, "task.failed", t)
	m.cascadeSkipLocked(ctx, taskID)
	return nil
}

// Cancel removes a task. Cancelling a terminal task is a no-op. Dependents
// of a cancelled task are skipped.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return task.NewError(task.KindValidation, "queue.cancel", ErrTaskNotFound)
	}
	if t.State.Terminal() {
		return nil
	}

	if aq, ok := m.agents[t.Agent]; ok {
		if aq.remove(taskID) {
			m.metrics.QueueDepth.WithLabelValues(t.Agent, t.Priority.String()).Dec()
		}
	}
	delete(m.delayed, taskID)
	delete(m.inflight, taskID)

	now := time.Now().UTC()
	t.State = v1.TaskStateCancelled
	t.CompletedAt = &now

	m.metrics.TasksCancelled.Inc()
	m.bumpMetricLocked(ctx, "tasks_cancelled")
	m.persistLocked(ctx, t)
	m.persistQueueLocked(ctx, t.Agent)
	m.persistDelayedLocked(ctx)
	m.persistProcessingLocked(ctx)
	m.publishResult(ctx, t)
	m.publishTaskEvent(ctx, "task.cancelled", t)
	m.cascadeSkipLocked(ctx, taskID)
	return nil
}

// GetStatus returns a snapshot of the task, falling back to the kv store for
// tasks already evicted from memory.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*v1.Task, error) {
	m.mu.Lock()
	if t, ok := m.tasks[taskID]; ok {
		clone := t.Clone()
		m.mu.Unlock()
		return clone, nil
	}
	m.mu.Unlock()

	raw, found, err := m.store.Get(ctx, kv.TaskKey(taskID))
	if err != nil {
		return nil, task.NewError(task.KindInternal, "queue.status", err)
	}
	if !found {
		return nil, task.NewError(task.KindValidation, "queue.status", ErrTaskNotFound)
	}
	var t v1.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, task.NewError(task.KindInternal, "queue.status", err)
	}
	return &t, nil
}

// Stats summarizes queue occupancy.
type Stats struct {
	ByState map[v1.TaskState]int `json:"by_state"`
	ByAgent map[string]int       `json:"by_agent"`
	Delayed int                  `json:"delayed"`
	Inflight int                 `json:"inflight"`
}

// GetStats returns a snapshot of queue occupancy.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		ByState:  make(map[v1.TaskState]int),
		ByAgent:  make(map[string]int),
		Delayed:  len(m.delayed),
		Inflight: len(m.inflight),
	}
	for _, t := range m.tasks {
		stats.ByState[t.State]++
	}
	for agent, aq := range m.agents {
		stats.ByAgent[agent] = aq.len()
	}
	return stats
}

// Name implements health.Checker.
func (m *Manager) Name() string { return "queue" }

// Health implements health.Checker.
func (m *Manager) Health(_ context.Context) health.Status {
	m.mu.Lock()
	running := m.running
	pending := m.pendingCountLocked()
	m.mu.Unlock()

	if !running {
		return health.Status{State: health.StateUnhealthy, Message: "queue is stopped"}
	}
	status := health.Status{
		State:   health.StateHealthy,
		Details: map[string]interface{}{"pending": pending},
	}
	if m.cfg.MaxSize > 0 && pending >= m.cfg.MaxSize {
		status.State = health.StateDegraded
		status.Message = "queue at capacity"
	}
	return status
}

// --- internals; callers hold m.mu ---

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, t := range m.tasks {
		if !t.State.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) enqueueLocked(ctx context.Context, t *v1.Task) {
	aq := m.agents[t.Agent]
	aq.push(t.ID, t.Priority, t.CreatedAt)
	m.persistQueueLocked(ctx, t.Agent)
	m.metrics.QueueDepth.WithLabelValues(t.Agent, t.Priority.String()).Inc()
	event := bus.NewEvent("task.available", "queue", map[string]interface{}{
		"task_id":  t.ID,
		"priority": t.Priority.String(),
	})
	if m.bus != nil {
		if err := m.bus.Publish(ctx, bus.TaskSubject(t.Agent), event); err != nil {
			m.logger.Warn("failed to publish task notification", zap.Error(err))
		}
	}
}

func (m *Manager) skipLocked(ctx context.Context, t *v1.Task, reason string) {
	now := time.Now().UTC()
	t.State = v1.TaskStateSkipped
	t.CompletedAt = &now
	t.Error = reason
	m.persistLocked(ctx, t)
	m.publishResult(ctx, t)
	m.publishTaskEvent(ctx, "task.skipped", t)
}

// cascadeSkipLocked skips every task waiting on the given id, transitively.
func (m *Manager) cascadeSkipLocked(ctx context.Context, taskID string) {
	dependents := m.waiting[taskID]
	delete(m.waiting, taskID)
	for depID := range dependents {
		t, ok := m.tasks[depID]
		if !ok || t.State.Terminal() {
			continue
		}
		m.skipLocked(ctx, t, fmt.Sprintf("dependency %s did not complete", taskID))
		m.cascadeSkipLocked(ctx, depID)
	}
}

// promoteDependentsLocked moves tasks whose last dependency just completed
// onto the ready heap.
func (m *Manager) promoteDependentsLocked(ctx context.Context, completedID string) {
	dependents := m.waiting[completedID]
	delete(m.waiting, completedID)
	for depID := range dependents {
		t, ok := m.tasks[depID]
		if !ok || t.State != v1.TaskStatePending {
			continue
		}
		if m.depsSatisfiedLocked(t) {
			m.enqueueLocked(ctx, t)
		}
	}
}

func (m *Manager) depsSatisfiedLocked(t *v1.Task) bool {
	for _, dep := range t.Dependencies {
		depTask, ok := m.tasks[dep]
		if !ok || depTask.State != v1.TaskStateCompleted {
			return false
		}
	}
	return true
}

func (m *Manager) persistLocked(ctx context.Context, t *v1.Task) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		m.logger.Error("failed to marshal task record", zap.Error(err))
		return
	}
	var ttl time.Duration
	if t.State.Terminal() {
		ttl = time.Duration(t.TTLSeconds) * time.Second
	}
	if err := m.store.Set(ctx, kv.TaskKey(t.ID), raw, ttl); err != nil {
		m.logger.Warn("failed to persist task record",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// persistQueueLocked snapshots one agent's ready list in dispatch order.
func (m *Manager) persistQueueLocked(ctx context.Context, agent string) {
	aq := m.agents[agent]
	if m.store == nil || aq == nil {
		return
	}
	raw, err := json.Marshal(aq.ordered())
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, kv.QueueKey(agent), raw, 0); err != nil {
		m.logger.Warn("failed to persist ready list",
			zap.String("agent", agent), zap.Error(err))
	}
}

// persistDelayedLocked snapshots the delayed set.
func (m *Manager) persistDelayedLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(m.delayed)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, kv.DelayedKey, raw, 0); err != nil {
		m.logger.Warn("failed to persist delayed set", zap.Error(err))
	}
}

// persistProcessingLocked snapshots the in-flight set with its deadlines.
func (m *Manager) persistProcessingLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(m.inflight)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, kv.ProcessingKey, raw, 0); err != nil {
		m.logger.Warn("failed to persist processing set", zap.Error(err))
	}
}

// bumpMetricLocked increments a durable counter in the sidecar via
// compare-and-swap. The loop is bounded; this process is the only writer, so
// the first attempt wins outside of tests.
func (m *Manager) bumpMetricLocked(ctx context.Context, name string) {
	if m.store == nil {
		return
	}
	key := kv.MetricKey(name)
	for attempt := 0; attempt < 5; attempt++ {
		raw, found, err := m.store.Get(ctx, key)
		if err != nil {
			m.logger.Warn("failed to read counter", zap.String("name", name), zap.Error(err))
			return
		}
		count := 0
		var old []byte
		if found {
			old = raw
			if n, convErr := strconv.Atoi(string(raw)); convErr == nil {
				count = n
			}
		}
		next := []byte(strconv.Itoa(count + 1))
		swapped, err := m.store.CompareAndSwap(ctx, key, old, next, 0)
		if err != nil {
			m.logger.Warn("failed to bump counter", zap.String("name", name), zap.Error(err))
			return
		}
		if swapped {
			return
		}
	}
}

func (m *Manager) publishTaskEvent(ctx context.Context, eventType string, t *v1.Task) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "queue", map[string]interface{}{
		"task_id":  t.ID,
		"agent":    t.Agent,
		"state":    string(t.State),
		"priority": t.Priority.String(),
	})
	if err := m.bus.Publish(ctx, bus.EventSubject(eventType), event); err != nil {
		m.logger.Warn("failed to publish task event",
			zap.String("type", eventType), zap.Error(err))
	}
}

// publishResult emits the terminal outcome on the task's result subject so
// submitters can await it directly.
func (m *Manager) publishResult(ctx context.Context, t *v1.Task) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id": t.ID,
		"state":   string(t.State),
	}
	if t.Result != nil {
		data["output"] = t.Result.Output
		if t.Result.Data != nil {
			data["data"] = t.Result.Data
		}
	}
	if t.Error != "" {
		data["error"] = t.Error
	}
	event := bus.NewEvent("task.result", "queue", data)
	if err := m.bus.Publish(ctx, bus.ResultSubject(t.ID), event); err != nil {
		m.logger.Warn("failed to publish task result",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// restoreLocked rebuilds tasks, the dependency index, the delayed set and the
// ready heaps from records the previous process left in the sidecar. Tasks
// that were in flight when it died go back through the retry path: the agent
// may still be running them, but the sentinel watch is gone.
func (m *Manager) restoreLocked(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	keys, err := m.store.Keys(ctx, "task:")
	if err != nil {
		return err
	}

	var live []*v1.Task
	for _, key := range keys {
		raw, found, err := m.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		t := &v1.Task{}
		if err := json.Unmarshal(raw, t); err != nil {
			m.logger.Warn("skipping unreadable task record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if t.State.Terminal() {
			continue
		}
		if _, ok := m.agents[t.Agent]; !ok {
			m.logger.Warn("stored task targets an agent not in the roster",
				zap.String("task_id", t.ID), zap.String("agent", t.Agent))
			continue
		}
		if _, ok := m.tasks[t.ID]; ok {
			continue
		}
		m.tasks[t.ID] = t
		live = append(live, t)
	}
	if len(live) == 0 {
		return nil
	}

	var delayed map[string]time.Time
	if raw, found, err := m.store.Get(ctx, kv.DelayedKey); err == nil && found {
		_ = json.Unmarshal(raw, &delayed)
	}

	// Rebuild the dependency index before anything can cascade through it.
	blocked := make(map[string]bool)
	for _, t := range live {
		for _, dep := range t.Dependencies {
			state, known := m.depStateLocked(ctx, dep)
			switch {
			case !known:
				m.skipLocked(ctx, t, fmt.Sprintf("dependency %s no longer exists", dep))
			case state == v1.TaskStateCompleted:
				// satisfied
			case state.Terminal():
				m.skipLocked(ctx, t, fmt.Sprintf("dependency %s is %s", dep, state))
			default:
				blocked[t.ID] = true
				if m.waiting[dep] == nil {
					m.waiting[dep] = make(map[string]struct{})
				}
				m.waiting[dep][t.ID] = struct{}{}
			}
			if t.State.Terminal() {
				break
			}
		}
	}

	for _, t := range live {
		if t.State == v1.TaskStateScheduled || t.State == v1.TaskStateRunning {
			if err := m.failLocked(ctx, t.ID, "orchestrator restarted", true); err != nil {
				m.logger.Warn("failed to requeue interrupted task",
					zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}

	requeued := 0
	for _, t := range live {
		if t.State != v1.TaskStatePending && t.State != v1.TaskStateRetrying {
			continue
		}
		if _, held := m.delayed[t.ID]; held {
			continue // re-delayed by the restart retry above
		}
		if at, ok := delayed[t.ID]; ok {
			m.delayed[t.ID] = at
			continue
		}
		if blocked[t.ID] {
			continue
		}
		if t.State == v1.TaskStateRetrying {
			// Its backoff entry was lost with the old delayed set; make it
			// visible immediately.
			t.State = v1.TaskStatePending
			m.persistLocked(ctx, t)
		}
		m.enqueueLocked(ctx, t)
		requeued++
	}

	m.persistDelayedLocked(ctx)
	m.persistProcessingLocked(ctx)
	m.logger.Info("queue restored from store",
		zap.Int("tasks", len(live)), zap.Int("requeued", requeued))
	return nil
}

// depStateLocked resolves a dependency's state, falling back to the store for
// records already evicted from memory.
func (m *Manager) depStateLocked(ctx context.Context, id string) (v1.TaskState, bool) {
	if t, ok := m.tasks[id]; ok {
		return t.State, true
	}
	raw, found, err := m.store.Get(ctx, kv.TaskKey(id))
	if err != nil || !found {
		return "", false
	}
	var t v1.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", false
	}
	return t.State, true
}

func sameResult(a, b *v1.TaskResult) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Output == b.Output && reflect.DeepEqual(a.Data, b.Data)
}

// --- background loops ---

// schedulerLoop promotes delayed retries whose visibility time has arrived.
func (m *Manager) schedulerLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.promoteDelayed(ctx)
		}
	}
}

func (m *Manager) promoteDelayed(ctx context.Context) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	promoted := false
	for id, visibleAt := range m.delayed {
		if visibleAt.After(now) {
			continue
		}
		delete(m.delayed, id)
		promoted = true
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		switch t.State {
		case v1.TaskStateRetrying:
			// Backoff served; the task re-enters the ready set.
			t.State = v1.TaskStatePending
			m.persistLocked(ctx, t)
		case v1.TaskStatePending:
		default:
			continue
		}
		m.enqueueLocked(ctx, t)
	}
	if promoted {
		m.persistDelayedLocked(ctx)
	}
}

// monitorLoop fails tasks whose execution deadline passed without a result.
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.expireInflight(ctx)
		}
	}
}

func (m *Manager) expireInflight(ctx context.Context) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, deadline := range m.inflight {
		if deadline.After(now) {
			continue
		}
		m.logger.Warn("task exceeded its timeout", zap.String("task_id", id))
		if err := m.failLocked(ctx, id, "timeout", true); err != nil {
			m.logger.Error("failed to time out task",
				zap.String("task_id", id), zap.Error(err))
		}
	}
}

// cleanerLoop evicts terminal tasks past their TTL from memory and purges
// expired records from the store.
func (m *Manager) cleanerLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanerInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictTerminal()
			if m.store != nil {
				if n, err := m.store.PurgeExpired(ctx); err != nil {
					m.logger.Warn("kv purge failed", zap.Error(err))
				} else if n > 0 {
					m.logger.Debug("purged expired records", zap.Int("count", n))
				}
			}
		}
	}
}

func (m *Manager) evictTerminal() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if !t.State.Terminal() || t.CompletedAt == nil {
			continue
		}
		ttl := time.Duration(t.TTLSeconds) * time.Second
		if ttl <= 0 || now.Sub(*t.CompletedAt) < ttl {
			continue
		}
		delete(m.tasks, id)
		delete(m.waiting, id)
	}
}
