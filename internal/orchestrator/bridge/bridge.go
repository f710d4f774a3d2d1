// Package bridge connects queued tasks to agents living in terminal
// sessions. One bridge per agent: it dequeues, writes the task between
// sentinel markers, polls the pane for the outcome and reports back to the
// queue. It also owns the agent's heartbeat and circuit breaker.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
	"github.com/crewmux/crewmux/internal/orchestrator/health"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	"github.com/crewmux/crewmux/internal/resilience"
	"github.com/crewmux/crewmux/internal/tmux"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// ErrBridgeAlreadyRunning is returned when Start is called twice.
var ErrBridgeAlreadyRunning = errors.New("bridge is already running")

// captureLines bounds how much scrollback each poll fetches.
const captureLines = 200

// TaskQueue is the slice of the queue the bridge talks to.
type TaskQueue interface {
	Get(ctx context.Context, agent string) (*v1.Task, error)
	MarkRunning(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string, result *v1.TaskResult) error
	Fail(ctx context.Context, taskID string, cause string, retriable bool) error
	GetStatus(ctx context.Context, taskID string) (*v1.Task, error)
}

// Bridge drives one agent's terminal session.
type Bridge struct {
	agentID     string
	sessionName string
	driver      tmux.Driver
	queue       TaskQueue
	registry    *Registry
	breaker     *resilience.CircuitBreaker
	calls       *resilience.Bulkhead
	bus         bus.EventBus
	cfg         config.BridgeConfig
	logger      *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped bridge for one agent. The calls bulkhead is shared
// by every bridge talking to the same multiplexer.
func New(agentID, sessionName string, driver tmux.Driver, taskQueue TaskQueue,
	registry *Registry, breakerCfg resilience.BreakerConfig, calls *resilience.Bulkhead,
	eventBus bus.EventBus, cfg config.BridgeConfig, log *logger.Logger) *Bridge {
	return &Bridge{
		agentID:     agentID,
		sessionName: sessionName,
		driver:      driver,
		queue:       taskQueue,
		registry:    registry,
		breaker:     resilience.NewCircuitBreaker("agent:"+agentID, breakerCfg, log),
		calls:       calls,
		bus:         eventBus,
		cfg:         cfg,
		logger: log.WithFields(
			zap.String("component", "bridge"),
			zap.String("agent_id", agentID)),
	}
}

// AgentID returns the agent this bridge serves.
func (b *Bridge) AgentID() string { return b.agentID }

// Breaker exposes the agent's circuit breaker for introspection.
func (b *Bridge) Breaker() *resilience.CircuitBreaker { return b.breaker }

// DispatchAllowed is the queue's gate: no dispatch while the agent is
// offline or its breaker rejects calls. An open breaker past its timeout
// lets exactly one probe task through.
func (b *Bridge) DispatchAllowed(agent string) error {
	record, err := b.registry.Get(agent)
	if err != nil {
		return err
	}
	if record.Status == v1.AgentStatusOffline {
		return task.NewError(task.KindAgentOffline, "bridge.gate",
			fmt.Errorf("agent %s is offline", agent))
	}
	if err := b.breaker.Allow(); err != nil {
		return task.NewError(task.KindCircuitOpen, "bridge.gate", err)
	}
	return nil
}

// Start launches the dequeue and heartbeat loops.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrBridgeAlreadyRunning
	}
	b.running = true
	b.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(2)
	go b.runLoop(runCtx)
	go b.heartbeatLoop(runCtx)

	b.logger.Info("bridge started", zap.String("session", b.sessionName))
	return nil
}

// Stop halts both loops and waits for an in-flight task watch to finish.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
	b.logger.Info("bridge stopped")
}

func (b *Bridge) runLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		t, err := b.queue.Get(ctx, b.agentID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			b.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		b.executeTask(ctx, t)
	}
}

func (b *Bridge) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	// First beat immediately so a fresh agent is never considered stale.
	if err := b.registry.Heartbeat(ctx, b.agentID); err != nil {
		b.logger.Warn("heartbeat failed", zap.Error(err))
	}

	ticker := time.NewTicker(b.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.registry.Heartbeat(ctx, b.agentID); err != nil {
				b.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// executeTask delivers one task and watches for its outcome.
func (b *Bridge) executeTask(ctx context.Context, t *v1.Task) {
	log := b.logger.WithFields(zap.String("task_id", t.ID))
	log.Info("delivering task", zap.String("name", task.Describe(t)))

	if err := b.registry.SetBusy(ctx, b.agentID, t.ID); err != nil {
		log.Warn("failed to mark agent busy", zap.Error(err))
	}

	if err := b.deliver(ctx, t); err != nil {
		log.Error("delivery failed", zap.Error(err))
		if regErr := b.registry.SetError(ctx, b.agentID, err.Error()); regErr != nil {
			log.Warn("failed to record agent error", zap.Error(regErr))
		}
		if failErr := b.queue.Fail(ctx, t.ID, fmt.Sprintf("delivery failed: %v", err), true); failErr != nil {
			log.Error("failed to report delivery failure", zap.Error(failErr))
		}
		return
	}

	if err := b.queue.MarkRunning(ctx, t.ID); err != nil {
		log.Warn("failed to mark task running", zap.Error(err))
	}
	b.watchTask(ctx, t, log)

	if err := b.registry.SetIdle(ctx, b.agentID); err != nil {
		log.Warn("failed to mark agent idle", zap.Error(err))
	}
}

// deliver writes the sentinel-framed payload, holding a multiplexer call
// slot for the whole frame and tracking the outcome on the breaker.
func (b *Bridge) deliver(ctx context.Context, t *v1.Task) error {
	return b.calls.Execute(ctx, func(ctx context.Context) error {
		return b.breaker.Execute(ctx, func(ctx context.Context) error {
			if err := b.ensureSession(ctx); err != nil {
				return err
			}
			if err := b.driver.SendCommand(ctx, b.sessionName, StartSentinel(t.ID)); err != nil {
				return fmt.Errorf("start sentinel: %w", err)
			}
			lines, err := task.PayloadLines(t)
			if err != nil {
				return err
			}
			for _, line := range lines {
				if err := b.driver.SendCommand(ctx, b.sessionName, line); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}
			if err := b.driver.SendCommand(ctx, b.sessionName, EndSentinel(t.ID)); err != nil {
				return fmt.Errorf("end sentinel: %w", err)
			}
			return nil
		})
	})
}

func (b *Bridge) ensureSession(ctx context.Context) error {
	exists, err := b.driver.SessionExists(ctx, b.sessionName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	b.logger.Warn("session missing, recreating", zap.String("session", b.sessionName))
	return b.driver.CreateSession(ctx, b.sessionName, "")
}

// watchTask polls the pane until the task reaches an outcome or the queue
// takes it away (timeout, cancellation). Late results for a task the queue
// already closed are discarded.
func (b *Bridge) watchTask(ctx context.Context, t *v1.Task, log *logger.Logger) {
	ticker := time.NewTicker(b.cfg.PanePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
		}

		status, err := b.queue.GetStatus(ctx, t.ID)
		if err == nil && status.State != v1.TaskStateRunning {
			// Cancelled, timed out into retry, or otherwise taken back.
			log.Info("task closed by the queue while watching",
				zap.String("state", string(status.State)))
			return
		}

		var pane string
		err = b.calls.Execute(ctx, func(ctx context.Context) error {
			var captureErr error
			pane, captureErr = b.driver.CapturePane(ctx, b.sessionName, captureLines)
			return captureErr
		})
		if errors.Is(err, resilience.ErrBulkheadFull) {
			// Contention on the multiplexer is not an agent failure; try
			// again on the next tick.
			continue
		}
		if err != nil {
			b.breaker.Mark(err)
			log.Warn("pane capture failed", zap.Error(err))
			continue
		}
		b.breaker.Mark(nil)

		outcome := ParseOutcome(pane, t.ID)
		if !outcome.Done {
			continue
		}
		b.report(ctx, t, outcome, log)
		return
	}
}

func (b *Bridge) report(ctx context.Context, t *v1.Task, outcome Outcome, log *logger.Logger) {
	switch {
	case outcome.Protocol:
		log.Error("sentinel contract violated", zap.String("reason", outcome.Reason))
		b.publishProtocolViolation(ctx, t, outcome.Reason)
		if err := b.queue.Fail(ctx, t.ID, outcome.Reason, false); err != nil {
			log.Error("failed to report protocol violation", zap.Error(err))
		}
	case outcome.Success:
		log.Info("task completed", zap.Int("output_bytes", len(outcome.Output)))
		if err := b.queue.Complete(ctx, t.ID, &v1.TaskResult{Output: outcome.Output}); err != nil {
			log.Error("failed to report completion", zap.Error(err))
		}
	default:
		reason := outcome.Reason
		if reason == "" {
			reason = "agent reported failure"
		}
		log.Warn("task failed on agent", zap.String("reason", reason))
		if err := b.queue.Fail(ctx, t.ID, reason, true); err != nil {
			log.Error("failed to report failure", zap.Error(err))
		}
	}
}

func (b *Bridge) publishProtocolViolation(ctx context.Context, t *v1.Task, reason string) {
	if b.bus == nil {
		return
	}
	event := bus.NewEvent("protocol.violation", "bridge:"+b.agentID, map[string]interface{}{
		"agent_id": b.agentID,
		"task_id":  t.ID,
		"reason":   reason,
	})
	if err := b.bus.Publish(ctx, bus.EventSubject("protocol.violation"), event); err != nil {
		b.logger.Warn("failed to publish protocol violation", zap.Error(err))
	}
}

// Restart recreates the agent's terminal session. Used by operators after an
// agent wedges; any running task is failed by the timeout monitor.
func (b *Bridge) Restart(ctx context.Context) error {
	err := b.calls.Execute(ctx, func(ctx context.Context) error {
		exists, err := b.driver.SessionExists(ctx, b.sessionName)
		if err != nil {
			return err
		}
		if exists {
			if err := b.driver.KillSession(ctx, b.sessionName); err != nil {
				return err
			}
		}
		return b.driver.CreateSession(ctx, b.sessionName, "")
	})
	if err != nil {
		return err
	}
	b.logger.Info("session restarted", zap.String("session", b.sessionName))
	return nil
}

// Name implements health.Checker.
func (b *Bridge) Name() string { return "bridge:" + b.agentID }

// Health implements health.Checker.
func (b *Bridge) Health(_ context.Context) health.Status {
	record, err := b.registry.Get(b.agentID)
	if err != nil {
		return health.Status{State: health.StateUnknown, Message: err.Error()}
	}

	state := health.StateHealthy
	var message string
	switch record.Status {
	case v1.AgentStatusOffline:
		state = health.StateUnhealthy
		message = "agent offline"
	case v1.AgentStatusError:
		state = health.StateDegraded
		message = record.ErrorMessage
	}
	if b.breaker.State() != resilience.StateClosed {
		state = health.Worst(state, health.StateDegraded)
		message = strings.TrimSpace(message + " breaker " + b.breaker.State().String())
	}
	return health.Status{
		State:   state,
		Message: message,
		Details: map[string]interface{}{
			"status":  string(record.Status),
			"load":    record.Load,
			"breaker": b.breaker.State().String(),
		},
	}
}
