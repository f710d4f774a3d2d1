// Package health provides component health probing and the orchestrator's
// metrics registry.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
)

// State is a component health level.
type State string

const (
	StateHealthy   State = "HEALTHY"
	StateDegraded  State = "DEGRADED"
	StateUnhealthy State = "UNHEALTHY"
	StateUnknown   State = "UNKNOWN"
)

// rank orders states from best to worst for aggregation.
func rank(s State) int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	case StateUnknown:
		return 2
	case StateUnhealthy:
		return 3
	default:
		return 2
	}
}

// Worst returns the worse of two states.
func Worst(a, b State) State {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Status is a point-in-time component health snapshot.
type Status struct {
	State   State                  `json:"state"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Checker is implemented by every probeable component.
type Checker interface {
	Name() string
	Health(ctx context.Context) Status
}

// Report aggregates the latest probe results.
type Report struct {
	State      State             `json:"state"`
	Components map[string]Status `json:"components"`
	ProbedAt   time.Time         `json:"probed_at"`
}

// Collector probes registered components on a fixed cadence and keeps the
// latest report. Overall state is the worst component state.
type Collector struct {
	interval time.Duration
	bus      bus.EventBus
	logger   *logger.Logger

	mu       sync.RWMutex
	checkers []Checker
	last     Report

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCollector creates a collector with the given probe cadence.
func NewCollector(interval time.Duration, eventBus bus.EventBus, log *logger.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		interval: interval,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "health-collector")),
		last:     Report{State: StateUnknown, Components: map[string]Status{}},
	}
}

// Register adds a component to the probe set.
func (c *Collector) Register(checker Checker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers = append(c.checkers, checker)
}

// Start begins the probe loop.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.probeLoop(ctx)
}

// Stop halts the probe loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Collector) probeLoop(ctx context.Context) {
	defer c.wg.Done()

	// Probe once at startup so the first report is never stale.
	c.Probe(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

// Probe runs all checks once and stores the aggregated report.
func (c *Collector) Probe(ctx context.Context) Report {
	c.mu.RLock()
	checkers := append([]Checker(nil), c.checkers...)
	c.mu.RUnlock()

	report := Report{
		State:      StateHealthy,
		Components: make(map[string]Status, len(checkers)),
		ProbedAt:   time.Now().UTC(),
	}
	if len(checkers) == 0 {
		report.State = StateUnknown
	}

	for _, checker := range checkers {
		status := checker.Health(ctx)
		report.Components[checker.Name()] = status
		report.State = Worst(report.State, status.State)
	}

	c.mu.Lock()
	prev := c.last.State
	c.last = report
	c.mu.Unlock()

	if report.State != prev {
		c.logger.Info("overall health changed",
			zap.String("from", string(prev)),
			zap.String("to", string(report.State)))
		if c.bus != nil {
			event := bus.NewEvent("health.changed", "health-collector", map[string]interface{}{
				"from": string(prev),
				"to":   string(report.State),
			})
			if err := c.bus.Publish(ctx, bus.EventSubject("health.changed"), event); err != nil {
				c.logger.Warn("failed to publish health event", zap.Error(err))
			}
		}
	}
	return report
}

// Last returns the most recent report.
func (c *Collector) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := Report{
		State:      c.last.State,
		Components: make(map[string]Status, len(c.last.Components)),
		ProbedAt:   c.last.ProbedAt,
	}
	for name, status := range c.last.Components {
		report.Components[name] = status
	}
	return report
}
