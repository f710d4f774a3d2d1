package health

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/events/bus"
)

// stubChecker reports a settable state.
type stubChecker struct {
	name  string
	state atomic.Value // State
}

func newStubChecker(name string, state State) *stubChecker {
	c := &stubChecker{name: name}
	c.state.Store(state)
	return c
}

func (c *stubChecker) Name() string { return c.name }

func (c *stubChecker) Health(context.Context) Status {
	return Status{State: c.state.Load().(State)}
}

func TestWorst(t *testing.T) {
	assert.Equal(t, StateHealthy, Worst(StateHealthy, StateHealthy))
	assert.Equal(t, StateDegraded, Worst(StateHealthy, StateDegraded))
	assert.Equal(t, StateUnhealthy, Worst(StateDegraded, StateUnhealthy))
	assert.Equal(t, StateUnhealthy, Worst(StateUnhealthy, StateUnknown))
	assert.Equal(t, StateUnknown, Worst(StateHealthy, StateUnknown))
}

func TestProbeAggregatesWorstState(t *testing.T) {
	collector := NewCollector(time.Minute, nil, logger.Default())
	collector.Register(newStubChecker("queue", StateHealthy))
	collector.Register(newStubChecker("bridge:worker-1", StateDegraded))

	report := collector.Probe(context.Background())
	assert.Equal(t, StateDegraded, report.State)
	assert.Len(t, report.Components, 2)
	assert.Equal(t, StateDegraded, report.Components["bridge:worker-1"].State)

	// Last returns the stored report.
	assert.Equal(t, StateDegraded, collector.Last().State)
}

func TestProbeWithoutCheckers(t *testing.T) {
	collector := NewCollector(time.Minute, nil, logger.Default())
	report := collector.Probe(context.Background())
	assert.Equal(t, StateUnknown, report.State)
}

func TestProbeLoopPublishesStateChanges(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		eventBus := bus.NewMemoryEventBus(logger.Default())
		defer eventBus.Close()

		var changes atomic.Int32
		_, err := eventBus.Subscribe(bus.EventSubject("health.changed"), func(context.Context, *bus.Event) error {
			changes.Add(1)
			return nil
		})
		require.NoError(t, err)

		checker := newStubChecker("queue", StateHealthy)
		collector := NewCollector(10*time.Second, eventBus, logger.Default())
		collector.Register(checker)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		collector.Start(ctx)
		defer collector.Stop()

		synctest.Wait()
		require.Equal(t, StateHealthy, collector.Last().State)
		// UNKNOWN -> HEALTHY on the startup probe.
		assert.Equal(t, int32(1), changes.Load())

		checker.state.Store(StateUnhealthy)
		time.Sleep(10 * time.Second)
		synctest.Wait()

		assert.Equal(t, StateUnhealthy, collector.Last().State)
		assert.Equal(t, int32(2), changes.Load())

		// Steady state publishes nothing.
		time.Sleep(30 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(2), changes.Load())
	})
}

func TestCollectorStartStopIdempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		collector := NewCollector(time.Second, nil, logger.Default())
		ctx := context.Background()

		collector.Start(ctx)
		collector.Start(ctx)
		collector.Stop()
		collector.Stop()
	})
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.TasksSubmitted.Inc()
	m.TasksCompleted.Inc()
	m.QueueDepth.WithLabelValues("worker-1", "NORMAL").Set(3)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["tasks_submitted_total"])
	assert.True(t, names["tasks_completed_total"])
	assert.True(t, names["queue_depth"])
}
