package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
)

// OfflineMonitor sweeps the registry for stale heartbeats and marks the
// affected agents OFFLINE. It runs at the heartbeat cadence; the staleness
// threshold is the configured offline timeout.
type OfflineMonitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewOfflineMonitor creates a stopped monitor.
func NewOfflineMonitor(registry *Registry, cfg config.BridgeConfig, log *logger.Logger) *OfflineMonitor {
	return &OfflineMonitor{
		registry: registry,
		interval: cfg.HeartbeatInterval(),
		timeout:  cfg.OfflineTimeout(),
		logger:   log.WithFields(zap.String("component", "offline-monitor")),
	}
}

// Start launches the sweep loop.
func (m *OfflineMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the sweep loop.
func (m *OfflineMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *OfflineMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if swept := m.registry.SweepOffline(ctx, m.timeout); len(swept) > 0 {
				m.logger.Warn("agents went offline", zap.Strings("agent_ids", swept))
			}
		}
	}
}
