// Package workflow executes DAGs of steps, each step a queued task. Ready
// steps run in parallel through a bounded pool; step results feed the
// execution context for ${key} substitution in later steps.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	// ErrWorkflowNotFound is returned for lookups of undefined workflows.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrExecutionNotFound is returned for lookups of unknown executions.
	ErrExecutionNotFound = errors.New("execution not found")
)

// TaskBackend is the slice of the queue the engine drives.
type TaskBackend interface {
	Submit(ctx context.Context, req *v1.SubmitTaskRequest) (*v1.Task, error)
	Cancel(ctx context.Context, taskID string) error
	GetStatus(ctx context.Context, taskID string) (*v1.Task, error)
}

// AgentDirectory answers whether a referenced agent exists.
type AgentDirectory interface {
	Get(id string) (*v1.AgentRecord, error)
}

// Engine validates workflow definitions and runs executions.
type Engine struct {
	backend TaskBackend
	agents  AgentDirectory
	bus     bus.EventBus
	store   kv.Store
	cfg     config.WorkflowConfig
	logger  *logger.Logger

	mu         sync.RWMutex
	workflows  map[string]*v1.WorkflowSpec
	executions map[string]*execution

	wg sync.WaitGroup
}

// execution pairs the public record with its run-loop controls.
type execution struct {
	mu     sync.Mutex
	record *v1.Execution
	cancel context.CancelFunc
}

// NewEngine creates a workflow engine.
func NewEngine(backend TaskBackend, agents AgentDirectory, eventBus bus.EventBus,
	store kv.Store, cfg config.WorkflowConfig, log *logger.Logger) *Engine {
	if cfg.StepPoolSize <= 0 {
		cfg.StepPoolSize = 10
	}
	return &Engine{
		backend:    backend,
		agents:     agents,
		bus:        eventBus,
		store:      store,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "workflow-engine")),
		workflows:  make(map[string]*v1.WorkflowSpec),
		executions: make(map[string]*execution),
	}
}

// Define validates and stores a workflow template. Step ids must be unique,
// dependencies must reference existing steps, the graph must be acyclic and
// every agent must be registered.
func (e *Engine) Define(ctx context.Context, spec *v1.WorkflowSpec) (string, error) {
	if spec.Name == "" {
		return "", task.Validationf("workflow.define", "workflow name is required")
	}
	if len(spec.Steps) == 0 {
		return "", task.Validationf("workflow.define", "workflow has no steps")
	}

	steps := make(map[string]*v1.StepSpec, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		if step.ID == "" {
			return "", task.Validationf("workflow.define", "step %d has no id", i)
		}
		if _, dup := steps[step.ID]; dup {
			return "", task.Validationf("workflow.define", "duplicate step id %q", step.ID)
		}
		if step.Action == "" {
			return "", task.Validationf("workflow.define", "step %q has no action", step.ID)
		}
		if _, err := e.agents.Get(step.Agent); err != nil {
			return "", task.Validationf("workflow.define", "step %q references unknown agent %q", step.ID, step.Agent)
		}
		steps[step.ID] = step
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return "", task.Validationf("workflow.define", "step %q depends on itself", step.ID)
			}
			if _, ok := steps[dep]; !ok {
				return "", task.Validationf("workflow.define", "step %q depends on unknown step %q", step.ID, dep)
			}
		}
	}
	if err := checkAcyclic(spec.Steps); err != nil {
		return "", err
	}

	stored := cloneSpec(spec)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	e.mu.Lock()
	e.workflows[stored.ID] = stored
	e.mu.Unlock()

	e.persistWorkflow(ctx, stored)
	e.logger.Info("workflow defined",
		zap.String("workflow_id", stored.ID),
		zap.String("name", stored.Name),
		zap.Int("steps", len(stored.Steps)))
	return stored.ID, nil
}

// checkAcyclic runs Kahn's algorithm over the step graph.
func checkAcyclic(steps []v1.StepSpec) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, step := range steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if visited != len(steps) {
		return task.Validationf("workflow.define", "workflow contains a dependency cycle")
	}
	return nil
}

// GetWorkflow returns a stored definition.
func (e *Engine) GetWorkflow(id string) (*v1.WorkflowSpec, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	spec, ok := e.workflows[id]
	if !ok {
		return nil, task.NewError(task.KindValidation, "workflow.get",
			fmt.Errorf("%w: %q", ErrWorkflowNotFound, id))
	}
	return cloneSpec(spec), nil
}

// ListWorkflows returns all stored definitions.
func (e *Engine) ListWorkflows() []*v1.WorkflowSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*v1.WorkflowSpec, 0, len(e.workflows))
	for _, spec := range e.workflows {
		out = append(out, cloneSpec(spec))
	}
	return out
}

// Execute starts a run of the workflow with the given parameters seeding the
// execution context.
func (e *Engine) Execute(ctx context.Context, workflowID string, params map[string]interface{}) (string, error) {
	e.mu.RLock()
	spec, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return "", task.NewError(task.KindValidation, "workflow.execute",
			fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID))
	}

	record := &v1.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     v1.ExecutionRunning,
		Steps:      make(map[string]*v1.StepInstance, len(spec.Steps)),
		Context:    make(map[string]interface{}, len(params)),
		StartedAt:  time.Now().UTC(),
	}
	for k, v := range params {
		record.Context[k] = v
	}
	for _, step := range spec.Steps {
		record.Steps[step.ID] = &v1.StepInstance{Spec: step, State: v1.StepPending}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &execution{record: record, cancel: cancel}

	e.mu.Lock()
	e.executions[record.ID] = exec
	e.mu.Unlock()

	e.publishEvent(ctx, "workflow.started", map[string]interface{}{
		"execution_id": record.ID,
		"workflow_id":  workflowID,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(runCtx, exec)
	}()
	return record.ID, nil
}

// Status returns a snapshot of an execution.
func (e *Engine) Status(executionID string) (*v1.Execution, error) {
	e.mu.RLock()
	exec, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, task.NewError(task.KindValidation, "workflow.status",
			fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID))
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return cloneExecution(exec.record), nil
}

// Cancel stops an execution and cancels its outstanding tasks. Cancelling a
// finished execution is a no-op.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.RLock()
	exec, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return task.NewError(task.KindValidation, "workflow.cancel",
			fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID))
	}

	exec.mu.Lock()
	if exec.record.Status.Terminal() {
		exec.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	exec.record.Status = v1.ExecutionCancelled
	exec.record.CompletedAt = &now
	var taskIDs []string
	for _, step := range exec.record.Steps {
		if step.State == v1.StepPending {
			step.State = v1.StepSkipped
		}
		if step.TaskID != "" && !step.State.Terminal() {
			taskIDs = append(taskIDs, step.TaskID)
		}
	}
	snapshot := cloneExecution(exec.record)
	exec.mu.Unlock()

	exec.cancel()
	for _, taskID := range taskIDs {
		if err := e.backend.Cancel(ctx, taskID); err != nil {
			e.logger.Warn("failed to cancel step task",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	e.persistExecution(ctx, snapshot)
	e.publishEvent(ctx, "workflow.cancelled", map[string]interface{}{
		"execution_id": executionID,
	})
	return nil
}

// Shutdown waits for in-flight executions to wind down.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	for _, exec := range e.executions {
		exec.cancel()
	}
	e.mu.RUnlock()
	e.wg.Wait()
}

// Name implements health.Checker.
func (e *Engine) Name() string { return "workflow-engine" }

// Health implements health.Checker.
func (e *Engine) Health(_ context.Context) health.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	running := 0
	for _, exec := range e.executions {
		exec.mu.Lock()
		if !exec.record.Status.Terminal() {
			running++
		}
		exec.mu.Unlock()
	}
	return health.Status{
		State: health.StateHealthy,
		Details: map[string]interface{}{
			"workflows":          len(e.workflows),
			"running_executions": running,
		},
	}
}

func (e *Engine) persistWorkflow(ctx context.Context, spec *v1.WorkflowSpec) {
	if e.store == nil {
		return
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		e.logger.Error("failed to marshal workflow", zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, kv.WorkflowKey(spec.ID), raw, 0); err != nil {
		e.logger.Warn("failed to persist workflow", zap.Error(err))
	}
}

func (e *Engine) persistExecution(ctx context.Context, record *v1.Execution) {
	if e.store == nil {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		e.logger.Error("failed to marshal execution", zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, kv.ExecutionKey(record.ID), raw, 0); err != nil {
		e.logger.Warn("failed to persist execution", zap.Error(err))
	}
}

func (e *Engine) publishEvent(ctx context.Context, kind string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(kind, "workflow-engine", data)
	if err := e.bus.Publish(ctx, bus.EventSubject(kind), event); err != nil {
		e.logger.Warn("failed to publish workflow event",
			zap.String("type", kind), zap.Error(err))
	}
}

func cloneSpec(spec *v1.WorkflowSpec) *v1.WorkflowSpec {
	c := *spec
	c.Steps = append([]v1.StepSpec(nil), spec.Steps...)
	return &c
}

func cloneExecution(record *v1.Execution) *v1.Execution {
	c := *record
	c.Steps = make(map[string]*v1.StepInstance, len(record.Steps))
	for id, step := range record.Steps {
		s := *step
		c.Steps[id] = &s
	}
	c.Context = make(map[string]interface{}, len(record.Context))
	for k, v := range record.Context {
		c.Context[k] = v
	}
	if record.CompletedAt != nil {
		ts := *record.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
