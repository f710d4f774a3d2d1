// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crewmux/crewmux/internal/common/logger"
)

// MinCommitDelay is the smallest commit pause the terminal driver accepts.
// Pausing between the payload write and the commit keystroke is a correctness
// requirement of the multiplexer protocol: without it a significant share of
// commands is silently dropped under load.
const MinCommitDelay = 100 * time.Millisecond

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Bus      BusConfig            `mapstructure:"bus"`
	Store    StoreConfig          `mapstructure:"store"`
	Tmux     TmuxConfig           `mapstructure:"tmux"`
	Queue    QueueConfig          `mapstructure:"queue"`
	Bridge   BridgeConfig         `mapstructure:"bridge"`
	Breaker  BreakerConfig        `mapstructure:"breaker"`
	Workflow WorkflowConfig       `mapstructure:"workflow"`
	Health   HealthConfig         `mapstructure:"health"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
	Agents   []AgentSpec          `mapstructure:"agents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// BusConfig holds message bus configuration.
// An empty Address selects the in-memory bus and store.
type BusConfig struct {
	Address       string `mapstructure:"address"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StoreConfig holds the key-value sidecar configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite file path; empty selects in-memory
}

// TmuxConfig holds terminal session driver configuration.
type TmuxConfig struct {
	Binary             string  `mapstructure:"binary"`
	CommitDelaySeconds float64 `mapstructure:"commitDelaySeconds"`
	ControlTimeout     int     `mapstructure:"controlTimeout"` // in seconds
	CaptureTimeout     int     `mapstructure:"captureTimeout"` // in seconds
	MaxConcurrentCalls int     `mapstructure:"maxConcurrentCalls"`
	MaxQueuedCalls     int     `mapstructure:"maxQueuedCalls"`
}

// QueueConfig holds the distributed priority queue configuration.
type QueueConfig struct {
	PollIntervalSeconds    float64 `mapstructure:"pollIntervalSeconds"`
	MonitorIntervalSeconds int     `mapstructure:"monitorIntervalSeconds"`
	CleanerIntervalSeconds int     `mapstructure:"cleanerIntervalSeconds"`
	DefaultTimeoutSeconds  int     `mapstructure:"defaultTimeoutSeconds"`
	DefaultMaxRetries      int     `mapstructure:"defaultMaxRetries"`
	DefaultTTLSeconds      int     `mapstructure:"defaultTtlSeconds"`
	FailedTTLSeconds       int     `mapstructure:"failedTtlSeconds"`
	MaxSize                int     `mapstructure:"maxSize"`
}

// BridgeConfig holds per-agent bridge configuration.
type BridgeConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeatIntervalSeconds"`
	OfflineTimeoutSeconds    int `mapstructure:"offlineTimeoutSeconds"`
	PanePollIntervalSeconds  int `mapstructure:"panePollIntervalSeconds"`
}

// BreakerConfig holds circuit breaker defaults for agent scopes.
type BreakerConfig struct {
	FailureThreshold   int `mapstructure:"failureThreshold"`
	SuccessThreshold   int `mapstructure:"successThreshold"`
	OpenTimeoutSeconds int `mapstructure:"openTimeoutSeconds"`
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	StepPoolSize int `mapstructure:"stepPoolSize"`
}

// HealthConfig holds health collector configuration.
type HealthConfig struct {
	ProbeIntervalSeconds int `mapstructure:"probeIntervalSeconds"`
}

// AgentSpec describes one entry in the static agent roster.
type AgentSpec struct {
	ID           string   `mapstructure:"id"`
	Session      string   `mapstructure:"session"`
	Capabilities []string `mapstructure:"capabilities"`
}

// ProbeInterval returns the health probe cadence as a duration.
func (h *HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalSeconds) * time.Second
}

// CommitDelay returns the configured commit pause as a duration.
func (t *TmuxConfig) CommitDelay() time.Duration {
	return time.Duration(t.CommitDelaySeconds * float64(time.Second))
}

// ControlTimeoutDuration returns the control call timeout as a duration.
func (t *TmuxConfig) ControlTimeoutDuration() time.Duration {
	return time.Duration(t.ControlTimeout) * time.Second
}

// CaptureTimeoutDuration returns the capture call timeout as a duration.
func (t *TmuxConfig) CaptureTimeoutDuration() time.Duration {
	return time.Duration(t.CaptureTimeout) * time.Second
}

// PollInterval returns the scheduler cadence as a duration.
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds * float64(time.Second))
}

// MonitorInterval returns the timeout monitor cadence as a duration.
func (q *QueueConfig) MonitorInterval() time.Duration {
	return time.Duration(q.MonitorIntervalSeconds) * time.Second
}

// CleanerInterval returns the terminal-task eviction cadence as a duration.
func (q *QueueConfig) CleanerInterval() time.Duration {
	return time.Duration(q.CleanerIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the bridge heartbeat cadence as a duration.
func (b *BridgeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatIntervalSeconds) * time.Second
}

// OfflineTimeout returns the stale-heartbeat threshold as a duration.
func (b *BridgeConfig) OfflineTimeout() time.Duration {
	return time.Duration(b.OfflineTimeoutSeconds) * time.Second
}

// PanePollInterval returns the pane capture cadence as a duration.
func (b *BridgeConfig) PanePollInterval() time.Duration {
	return time.Duration(b.PanePollIntervalSeconds) * time.Second
}

// OpenTimeout returns the breaker open interval as a duration.
func (b *BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(b.OpenTimeoutSeconds) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Bus defaults - empty address means use the in-memory bus
	v.SetDefault("bus.address", "")
	v.SetDefault("bus.clientId", "crewmux-orchestrator")
	v.SetDefault("bus.maxReconnects", 10)

	v.SetDefault("store.path", "")

	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.commitDelaySeconds", 0.1)
	v.SetDefault("tmux.controlTimeout", 5)
	v.SetDefault("tmux.captureTimeout", 10)
	// The tmux server handles every client sequentially; cap our concurrent
	// calls so a burst of pane captures cannot starve deliveries.
	v.SetDefault("tmux.maxConcurrentCalls", 4)
	v.SetDefault("tmux.maxQueuedCalls", 16)

	v.SetDefault("queue.pollIntervalSeconds", 1.0)
	v.SetDefault("queue.monitorIntervalSeconds", 10)
	v.SetDefault("queue.cleanerIntervalSeconds", 3600)
	v.SetDefault("queue.defaultTimeoutSeconds", 300)
	v.SetDefault("queue.defaultMaxRetries", 3)
	v.SetDefault("queue.defaultTtlSeconds", 86400)       // completed tasks kept 24h
	v.SetDefault("queue.failedTtlSeconds", 7*86400)      // failed tasks kept 7 days
	v.SetDefault("queue.maxSize", 0)                     // unbounded

	v.SetDefault("bridge.heartbeatIntervalSeconds", 5)
	v.SetDefault("bridge.offlineTimeoutSeconds", 30)
	v.SetDefault("bridge.panePollIntervalSeconds", 2)

	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.successThreshold", 2)
	v.SetDefault("breaker.openTimeoutSeconds", 60)

	v.SetDefault("workflow.stepPoolSize", 10)

	v.SetDefault("health.probeIntervalSeconds", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

// bindEnvAliases maps the documented flat environment variables onto
// their config keys, in addition to the CREWMUX_ prefixed forms.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"tmux.commitDelaySeconds":       "ORCHESTRATOR_COMMIT_DELAY_SECONDS",
		"queue.pollIntervalSeconds":     "QUEUE_POLL_INTERVAL_SECONDS",
		"queue.monitorIntervalSeconds":  "TIMEOUT_MONITOR_INTERVAL_SECONDS",
		"queue.cleanerIntervalSeconds":  "CLEANER_INTERVAL_SECONDS",
		"bridge.heartbeatIntervalSeconds": "HEARTBEAT_INTERVAL_SECONDS",
		"bridge.offlineTimeoutSeconds":  "OFFLINE_HEARTBEAT_TIMEOUT_SECONDS",
		"bus.address":                   "BUS_ADDRESS",
		"logging.level":                 "LOG_LEVEL",
		"logging.format":                "LOG_FORMAT",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// Load reads configuration from defaults, an optional config file, and the
// environment. An explicit path overrides the search locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CREWMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("crewmux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.crewmux")
		v.AddConfigPath("/etc/crewmux")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks startup-time invariants that must hold before any
// component starts.
func (c *Config) Validate() error {
	if c.Tmux.CommitDelay() < MinCommitDelay {
		return fmt.Errorf("tmux commit delay %.3fs below minimum %s: the pause between payload and commit keystroke is mandatory",
			c.Tmux.CommitDelaySeconds, MinCommitDelay)
	}
	if c.Queue.PollIntervalSeconds <= 0 {
		return fmt.Errorf("queue poll interval must be positive, got %.3f", c.Queue.PollIntervalSeconds)
	}
	if c.Bridge.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", c.Bridge.HeartbeatIntervalSeconds)
	}
	if c.Bridge.OfflineTimeoutSeconds <= c.Bridge.HeartbeatIntervalSeconds {
		return fmt.Errorf("offline timeout (%ds) must exceed heartbeat interval (%ds)",
			c.Bridge.OfflineTimeoutSeconds, c.Bridge.HeartbeatIntervalSeconds)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent roster entry missing id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q in roster", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
