// Package orchestrator assembles the coordination service: message bus,
// key-value sidecar, priority queue, one bridge per roster agent, the
// workflow engine and the health collector. The service owns startup and
// shutdown ordering; components never start each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
	"github.com/crewmux/crewmux/internal/events/kv"
	"github.com/crewmux/crewmux/internal/orchestrator/bridge"
	"github.com/crewmux/crewmux/internal/orchestrator/health"
	"github.com/crewmux/crewmux/internal/orchestrator/queue"
	"github.com/crewmux/crewmux/internal/orchestrator/streaming"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	"github.com/crewmux/crewmux/internal/orchestrator/workflow"
	"github.com/crewmux/crewmux/internal/resilience"
	"github.com/crewmux/crewmux/internal/tmux"
)

var (
	// ErrServiceAlreadyRunning is returned when Start is called twice.
	ErrServiceAlreadyRunning = errors.New("service is already running")
	// ErrServiceNotRunning is returned when Stop is called before Start.
	ErrServiceNotRunning = errors.New("service is not running")
)

// Service wires the orchestrator together.
type Service struct {
	cfg    *config.Config
	logger *logger.Logger

	Bus       bus.EventBus
	Store     kv.Store
	Metrics   *health.Metrics
	Registry  *bridge.Registry
	Queue     *queue.Manager
	Workflows *workflow.Engine
	Collector *health.Collector
	Hub       *streaming.Hub

	driver  tmux.Driver
	bridges map[string]*bridge.Bridge
	monitor *bridge.OfflineMonitor

	mu      sync.Mutex
	running bool
}

// NewService builds the component graph from config. A nil driver selects
// the tmux CLI driver; tests pass a fake.
func NewService(cfg *config.Config, driver tmux.Driver, log *logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eventBus, err := newBus(cfg, log)
	if err != nil {
		return nil, err
	}
	store, err := newStore(cfg, log)
	if err != nil {
		eventBus.Close()
		return nil, err
	}
	if driver == nil {
		driver, err = tmux.NewCLIDriver(cfg.Tmux, log)
		if err != nil {
			eventBus.Close()
			_ = store.Close()
			return nil, err
		}
	}

	metrics := health.NewMetrics()
	registry := bridge.NewRegistry(store, eventBus, metrics, log)
	taskQueue := queue.NewManager(cfg.Queue, store, eventBus, metrics, log)

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout(),
	}
	// One bulkhead for the multiplexer: every bridge's sends and captures
	// share the same tmux server process.
	calls := resilience.NewBulkhead("tmux", cfg.Tmux.MaxConcurrentCalls, cfg.Tmux.MaxQueuedCalls)
	bridges := make(map[string]*bridge.Bridge, len(cfg.Agents))
	for _, spec := range cfg.Agents {
		taskQueue.RegisterAgent(spec.ID)
		registry.Register(context.Background(), spec.ID, spec.Session, spec.Capabilities)
		bridges[spec.ID] = bridge.New(spec.ID, spec.Session, driver, taskQueue,
			registry, breakerCfg, calls, eventBus, cfg.Bridge, log)
	}
	taskQueue.SetDispatchGate(func(agent string) error {
		b, ok := bridges[agent]
		if !ok {
			return task.Validationf("service.gate", "no bridge for agent %q", agent)
		}
		return b.DispatchAllowed(agent)
	})

	engine := workflow.NewEngine(taskQueue, registry, eventBus, store, cfg.Workflow, log)

	collector := health.NewCollector(cfg.Health.ProbeInterval(), eventBus, log)
	collector.Register(taskQueue)
	collector.Register(engine)
	collector.Register(busChecker{eventBus})
	for _, b := range bridges {
		collector.Register(b)
	}

	return &Service{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "service")),
		Bus:       eventBus,
		Store:     store,
		Metrics:   metrics,
		Registry:  registry,
		Queue:     taskQueue,
		Workflows: engine,
		Collector: collector,
		Hub:       streaming.NewHub(eventBus, log),
		driver:    driver,
		bridges:   bridges,
		monitor:   bridge.NewOfflineMonitor(registry, cfg.Bridge, log),
	}, nil
}

func newBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.Bus.Address == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.Bus, log)
}

func newStore(cfg *config.Config, log *logger.Logger) (kv.Store, error) {
	if cfg.Store.Path == "" {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewSQLiteStore(cfg.Store.Path)
}

// Bridges returns the bridge for an agent.
func (s *Service) Bridge(agentID string) (*bridge.Bridge, bool) {
	b, ok := s.bridges[agentID]
	return b, ok
}

// Start brings components up: queue loops first so bridges can dequeue,
// then bridges, then the sweep monitor, health collector and the hub.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	for id, b := range s.bridges {
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("start bridge %s: %w", id, err)
		}
	}
	s.monitor.Start(ctx)
	s.Collector.Start(ctx)
	if err := s.Hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	s.logger.Info("orchestrator started",
		zap.Int("agents", len(s.bridges)),
		zap.Bool("nats", s.cfg.Bus.Address != ""),
		zap.Bool("persistent", s.cfg.Store.Path != ""))
	return nil
}

// Stop tears components down in reverse order. In-flight executions are
// cancelled; queued tasks stay in the store for the next start.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.Hub.Stop()
	s.Collector.Stop()
	s.monitor.Stop()
	s.Workflows.Shutdown()
	for _, b := range s.bridges {
		b.Stop()
	}
	if err := s.Queue.Stop(); err != nil && !errors.Is(err, queue.ErrQueueNotRunning) {
		s.logger.Warn("queue stop", zap.Error(err))
	}
	s.Bus.Close()
	if err := s.Store.Close(); err != nil {
		s.logger.Warn("store close", zap.Error(err))
	}

	s.logger.Info("orchestrator stopped")
	return nil
}

// busChecker adapts the event bus to the health.Checker contract.
type busChecker struct {
	bus bus.EventBus
}

func (c busChecker) Name() string { return "bus" }

func (c busChecker) Health(context.Context) health.Status {
	if c.bus.IsConnected() {
		return health.Status{State: health.StateHealthy}
	}
	return health.Status{State: health.StateUnhealthy, Message: "bus disconnected"}
}
