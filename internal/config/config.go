// Package config loads the broker configuration from defaults, an optional
// YAML file, and ERRAND_-prefixed environment variables, in that precedence
// order (env wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by execution_backend.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config is the full broker configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Blocks    BlocksConfig    `mapstructure:"blocks"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig is the tool-surface HTTP listener.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

// BrokerConfig tunes admission and the response-deadline splitter.
type BrokerConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	IdempotencyWindow  time.Duration `mapstructure:"idempotency_window"`
	ExecutionTimeoutMS int           `mapstructure:"execution_timeout_ms"`
	ResponseDeadlineMS int           `mapstructure:"response_deadline_ms"`
}

// ExecutionTimeout returns the per-task deadline as a duration.
func (c BrokerConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMS) * time.Millisecond
}

// ResponseDeadline returns the sync-mode response window as a duration.
func (c BrokerConfig) ResponseDeadline() time.Duration {
	return time.Duration(c.ResponseDeadlineMS) * time.Millisecond
}

// WorkspaceConfig tunes the shared-document manager.
type WorkspaceConfig struct {
	BlockLimit int `mapstructure:"block_limit"`
	MaxEvents  int `mapstructure:"max_events"`
}

// BlocksConfig points at the remote block store.
type BlocksConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// RoomsConfig points at the chat-room service; mirroring is off unless
// Enabled is set.
type RoomsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// RunnerConfig selects and tunes the execution backend.
type RunnerConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalRunnerConfig  `mapstructure:"local"`
	Remote  RemoteRunnerConfig `mapstructure:"remote"`
}

// LocalRunnerConfig tunes the process-per-task backend.
type LocalRunnerConfig struct {
	Command       string        `mapstructure:"command"`
	WorkspaceRoot string        `mapstructure:"workspace_root"`
	CPUSeconds    int           `mapstructure:"cpu_seconds"`
	MemoryMB      int           `mapstructure:"memory_mb"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
}

// RemoteRunnerConfig points at the runner-server backend.
type RemoteRunnerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// LoggingConfig tunes the leveled logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// TracingConfig tunes the OTel exporter. Disabled by default.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "otlp" or "zipkin"
	Endpoint     string  `mapstructure:"endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load reads configuration. path may be empty; when set, it names a YAML
// file that must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ERRAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.session_ttl", "30m")
	v.SetDefault("server.drain_timeout", "30s")

	v.SetDefault("broker.max_concurrent_tasks", 3)
	v.SetDefault("broker.idempotency_window", "24h")
	v.SetDefault("broker.execution_timeout_ms", 300000)
	v.SetDefault("broker.response_deadline_ms", 25000)

	v.SetDefault("workspace.block_limit", 50000)
	v.SetDefault("workspace.max_events", 50)

	v.SetDefault("blocks.base_url", "http://localhost:8283")
	v.SetDefault("blocks.token", "")

	v.SetDefault("rooms.enabled", false)
	v.SetDefault("rooms.base_url", "")
	v.SetDefault("rooms.token", "")

	v.SetDefault("runner.backend", BackendLocal)
	v.SetDefault("runner.local.command", "errand-worker")
	v.SetDefault("runner.local.workspace_root", "/tmp/errand")
	v.SetDefault("runner.local.cpu_seconds", 120)
	v.SetDefault("runner.local.memory_mb", 512)
	v.SetDefault("runner.local.grace_period", "5s")
	v.SetDefault("runner.remote.base_url", "http://localhost:8399")
	v.SetDefault("runner.remote.token", "")

	v.SetDefault("logging.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "errand")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if c.Runner.Backend != BackendLocal && c.Runner.Backend != BackendRemote {
		return fmt.Errorf("runner.backend must be %q or %q, got %q", BackendLocal, BackendRemote, c.Runner.Backend)
	}
	if c.Runner.Backend == BackendRemote && c.Runner.Remote.BaseURL == "" {
		return fmt.Errorf("runner.remote.base_url is required for the remote backend")
	}
	if c.Broker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("broker.max_concurrent_tasks must be positive, got %d", c.Broker.MaxConcurrentTasks)
	}
	if c.Broker.ResponseDeadlineMS <= 0 {
		return fmt.Errorf("broker.response_deadline_ms must be positive, got %d", c.Broker.ResponseDeadlineMS)
	}
	if c.Rooms.Enabled && c.Rooms.BaseURL == "" {
		return fmt.Errorf("rooms.base_url is required when rooms are enabled")
	}
	return nil
}
