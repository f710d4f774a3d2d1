package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's counters, gauges and histograms. They are
// exported in the standard text exposition format via Handler.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted  prometheus.Counter
	TasksCompleted  prometheus.Counter
	TasksFailed     prometheus.Counter
	TasksRetried    prometheus.Counter
	TasksCancelled  prometheus.Counter
	HeartbeatMisses prometheus.Counter

	TaskDuration *prometheus.HistogramVec // by agent
	QueueWait    prometheus.Histogram

	QueueDepth   *prometheus.GaugeVec // by agent, priority
	AgentsActive prometheus.Gauge
}

// NewMetrics builds a metrics set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:        registry,
		TasksSubmitted:  factory("tasks_submitted_total", "Tasks accepted by the queue."),
		TasksCompleted:  factory("tasks_completed_total", "Tasks that reached COMPLETED."),
		TasksFailed:     factory("tasks_failed_total", "Tasks that reached FAILED."),
		TasksRetried:    factory("tasks_retried_total", "Task attempts that were retried."),
		TasksCancelled:  factory("tasks_cancelled_total", "Tasks that were cancelled."),
		HeartbeatMisses: factory("heartbeat_misses_total", "Agent heartbeats that arrived late or not at all."),
	}

	m.TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Wall time of task execution from start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"agent"})
	registry.MustRegister(m.TaskDuration)

	m.QueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queue_wait_seconds",
		Help:    "Time tasks spend queued before a bridge picks them up.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	registry.MustRegister(m.QueueWait)

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Pending tasks per agent and priority.",
	}, []string{"agent", "priority"})
	registry.MustRegister(m.QueueDepth)

	m.AgentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agents_active",
		Help: "Agents currently not OFFLINE.",
	})
	registry.MustRegister(m.AgentsActive)

	return m
}

// Handler serves the registry in text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
