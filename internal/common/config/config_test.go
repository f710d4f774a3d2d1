package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Tmux:   TmuxConfig{CommitDelaySeconds: 0.1},
		Queue:  QueueConfig{PollIntervalSeconds: 1},
		Bridge: BridgeConfig{HeartbeatIntervalSeconds: 5, OfflineTimeoutSeconds: 30},
	}
}

func TestLoadDefaults(t *testing.T) {
	// An explicit empty file keeps the search path from picking up a stray
	// crewmux.yaml in the working directory.
	path := filepath.Join(t.TempDir(), "crewmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "", cfg.Bus.Address, "empty address selects the in-memory bus")
	assert.Equal(t, 100*time.Millisecond, cfg.Tmux.CommitDelay())
	assert.Equal(t, 4, cfg.Tmux.MaxConcurrentCalls)
	assert.Equal(t, 16, cfg.Tmux.MaxQueuedCalls)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.Bridge.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.Bridge.OfflineTimeout())
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10, cfg.Workflow.StepPoolSize)
	assert.Equal(t, 30*time.Second, cfg.Health.ProbeInterval())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
tmux:
  commitDelaySeconds: 0.25
agents:
  - id: worker-1
    session: crew-worker-1
    capabilities: [go, review]
  - id: worker-2
    session: crew-worker-2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Tmux.CommitDelay())
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "worker-1", cfg.Agents[0].ID)
	assert.Equal(t, "crew-worker-1", cfg.Agents[0].Session)
	assert.Equal(t, []string{"go", "review"}, cfg.Agents[0].Capabilities)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tmux:
  commitDelaySeconds: 0.01
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCommitDelayFloor(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	// The pause before the commit keystroke may not shrink below 100ms.
	cfg.Tmux.CommitDelaySeconds = 0.099
	require.Error(t, cfg.Validate())

	cfg.Tmux.CommitDelaySeconds = 0
	require.Error(t, cfg.Validate())

	cfg.Tmux.CommitDelaySeconds = 0.5
	require.NoError(t, cfg.Validate())
}

func TestValidatePollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.PollIntervalSeconds = 0
	require.Error(t, cfg.Validate())
}

func TestValidateHeartbeatBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Bridge.HeartbeatIntervalSeconds = 0
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Bridge.OfflineTimeoutSeconds = 5
	require.Error(t, cfg.Validate(), "offline timeout must exceed heartbeat interval")
}

func TestValidateAgentRoster(t *testing.T) {
	cfg := validConfig()
	cfg.Agents = []AgentSpec{{ID: ""}}
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Agents = []AgentSpec{{ID: "worker-1"}, {ID: "worker-1"}}
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Agents = []AgentSpec{{ID: "worker-1"}, {ID: "worker-2"}}
	require.NoError(t, cfg.Validate())
}
