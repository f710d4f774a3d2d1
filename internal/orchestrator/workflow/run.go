package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewmux/crewmux/internal/events/bus"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// statusPollInterval is the fallback cadence for checking a step's task when
// no result event arrives.
const statusPollInterval = time.Second

// run drives one execution: repeatedly launch every ready step through the
// bounded pool, wait for the wave to finish, and stop when the DAG is
// exhausted or stuck.
func (e *Engine) run(ctx context.Context, exec *execution) {
	for {
		if ctx.Err() != nil {
			return
		}
		ready := e.collectReady(exec)
		if len(ready) == 0 {
			e.finalize(ctx, exec)
			return
		}

		g, waveCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.StepPoolSize)
		for _, stepID := range ready {
			id := stepID
			g.Go(func() error {
				e.runStep(waveCtx, exec, id)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// collectReady propagates skips from failed dependencies, then returns every
// PENDING step whose dependencies are all COMPLETED.
func (e *Engine) collectReady(exec *execution) []string {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	// Skip propagation runs to a fixpoint so chains collapse in one pass.
	for changed := true; changed; {
		changed = false
		for _, step := range exec.record.Steps {
			if step.State != v1.StepPending {
				continue
			}
			for _, dep := range step.Spec.DependsOn {
				depState := exec.record.Steps[dep].State
				if depState == v1.StepFailed || depState == v1.StepSkipped {
					step.State = v1.StepSkipped
					step.Error = fmt.Sprintf("dependency %s did not complete", dep)
					changed = true
					break
				}
			}
		}
	}

	var ready []string
	for id, step := range exec.record.Steps {
		if step.State != v1.StepPending {
			continue
		}
		ok := true
		for _, dep := range step.Spec.DependsOn {
			if exec.record.Steps[dep].State != v1.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// runStep submits one step's task at HIGH priority and waits for its
// terminal state.
func (e *Engine) runStep(ctx context.Context, exec *execution, stepID string) {
	exec.mu.Lock()
	record := exec.record
	step := record.Steps[stepID]
	command, unknownCmd := substituteString(step.Spec.Action, record.Context)
	params, unknownParams := substituteParams(step.Spec.Params, record.Context)
	executionID := record.ID
	exec.mu.Unlock()

	if missing := append(unknownCmd, unknownParams...); len(missing) > 0 {
		e.logger.Warn("unresolved placeholders left literal",
			zap.String("execution_id", executionID),
			zap.String("step_id", stepID),
			zap.Strings("keys", missing))
		e.publishEvent(ctx, "workflow.substitution.unknown", map[string]interface{}{
			"execution_id": executionID,
			"step_id":      stepID,
			"keys":         missing,
		})
	}

	maxRetries := 0
	if step.Spec.RetryOnFailure {
		maxRetries = step.Spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}
	}
	req := &v1.SubmitTaskRequest{
		Agent:      step.Spec.Agent,
		Name:       step.Spec.Name,
		Command:    command,
		Params:     params,
		Priority:   v1.PriorityHigh.String(),
		MaxRetries: &maxRetries,
		Metadata: map[string]string{
			"execution_id": executionID,
			"step_id":      stepID,
		},
	}
	if step.Spec.TimeoutSeconds > 0 {
		timeout := step.Spec.TimeoutSeconds
		req.TimeoutSeconds = &timeout
	}

	submitted, err := e.backend.Submit(ctx, req)
	now := time.Now().UTC()
	exec.mu.Lock()
	if err != nil {
		step.State = v1.StepFailed
		step.Error = err.Error()
		step.CompletedAt = &now
		exec.mu.Unlock()
		e.logger.Error("step submit failed",
			zap.String("step_id", stepID), zap.Error(err))
		return
	}
	step.State = v1.StepRunning
	step.TaskID = submitted.ID
	step.StartedAt = &now
	exec.mu.Unlock()

	final := e.awaitTask(ctx, submitted.ID)
	done := time.Now().UTC()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	step.CompletedAt = &done
	if final == nil {
		// Execution cancelled while waiting; Cancel settles the step state.
		if !step.State.Terminal() {
			step.State = v1.StepSkipped
		}
		return
	}
	switch final.State {
	case v1.TaskStateCompleted:
		step.State = v1.StepCompleted
		step.Result = final.Result
		if final.Result != nil {
			record.Context["step_"+stepID+"_result"] = final.Result.Output
		}
	default:
		step.State = v1.StepFailed
		step.Error = final.Error
		if step.Error == "" {
			step.Error = fmt.Sprintf("task ended %s", final.State)
		}
	}
}

// awaitTask blocks until the task reaches a terminal state. A result event
// on the bus wakes it immediately; a poll ticker covers events published
// before the subscription existed. Returns nil if ctx is cancelled first.
func (e *Engine) awaitTask(ctx context.Context, taskID string) *v1.Task {
	wake := make(chan struct{}, 1)
	if e.bus != nil {
		sub, err := e.bus.Subscribe(bus.ResultSubject(taskID), func(ctx context.Context, _ *bus.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("result subscription failed", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.backend.GetStatus(ctx, taskID)
		if err == nil && status.State.Terminal() {
			return status
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// finalize settles the execution's terminal status once no step can run.
func (e *Engine) finalize(ctx context.Context, exec *execution) {
	exec.mu.Lock()
	record := exec.record
	if record.Status.Terminal() {
		snapshot := cloneExecution(record)
		exec.mu.Unlock()
		e.persistExecution(ctx, snapshot)
		return
	}

	completed := 0
	var failed []string
	for id, step := range record.Steps {
		switch step.State {
		case v1.StepCompleted:
			completed++
		case v1.StepFailed, v1.StepSkipped:
			failed = append(failed, id)
		}
	}

	now := time.Now().UTC()
	record.CompletedAt = &now
	kind := "workflow.completed"
	if completed == len(record.Steps) {
		record.Status = v1.ExecutionCompleted
	} else {
		record.Status = v1.ExecutionFailed
		record.Error = fmt.Sprintf("steps did not complete: %s", strings.Join(failed, ", "))
		kind = "workflow.failed"
	}
	snapshot := cloneExecution(record)
	exec.mu.Unlock()

	e.persistExecution(ctx, snapshot)
	e.publishEvent(ctx, kind, map[string]interface{}{
		"execution_id": snapshot.ID,
		"status":       string(snapshot.Status),
	})
	e.logger.Info("execution finished",
		zap.String("execution_id", snapshot.ID),
		zap.String("status", string(snapshot.Status)))
}
