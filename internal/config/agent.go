package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies the host the agent runs on
type NodeConfig struct {
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
}

// ArbiterClientConfig holds the agent's connection and retry policy
type ArbiterClientConfig struct {
	Address             string        `yaml:"address"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	RetryBackoffSeconds int           `yaml:"retry_backoff_seconds"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	MaxRetries          int           `yaml:"max_retries"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

// RetryBackoff returns the initial backoff as a duration
func (c ArbiterClientConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// SingleAttempt returns the client settings for a caller that schedules its
// own retries: every call is tried once, so max_retries bounds the caller's
// attempts rather than multiplying them.
func (c ArbiterClientConfig) SingleAttempt() ArbiterClientConfig {
	c.MaxRetries = 1
	return c
}

// MonitorConfig holds sampling and classification thresholds
type MonitorConfig struct {
	ScanInterval       time.Duration `yaml:"scan_interval"`
	ObservationWindow  time.Duration `yaml:"observation_window"`
	SuspectReallocated int64         `yaml:"suspect_reallocated"`
	FailReallocated    int64         `yaml:"fail_reallocated"`
	SuspectPending     int64         `yaml:"suspect_pending"`
	MaxTemperatureC    int32         `yaml:"max_temperature_c"`
	Devices            []string      `yaml:"devices"`
	JournalDevices     []string      `yaml:"journal_devices"`
	Workers            int           `yaml:"workers"`
}

// DeviceConfig holds device-control settings
type DeviceConfig struct {
	Simulate       bool          `yaml:"simulate"`
	ReplaceInPlace bool          `yaml:"replace_in_place"`
	CephBinary     string        `yaml:"ceph_binary"`
	SmartctlBinary string        `yaml:"smartctl_binary"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// LedgerConfig holds the local correlation ledger location
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig represents the complete configuration for a disk agent
type AgentConfig struct {
	Node        NodeConfig          `yaml:"node"`
	Coordinator ArbiterClientConfig `yaml:"coordinator"`
	Monitor     MonitorConfig       `yaml:"monitor"`
	Device      DeviceConfig        `yaml:"device"`
	Ledger      LedgerConfig        `yaml:"ledger"`
	Gossip      GossipConfig        `yaml:"gossip"`
	Metrics     MetricsConfig       `yaml:"metrics"`
	Logging     LoggingConfig       `yaml:"logging"`
}

// LoadAgentConfig loads configuration from a file
func LoadAgentConfig(filePath string) (*AgentConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAgentConfig(data)
}

// ParseAgentConfig parses YAML configuration, applying defaults
func ParseAgentConfig(data []byte) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setAgentDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setAgentDefaults sets default values for unspecified configuration
func setAgentDefaults(cfg *AgentConfig) {
	if cfg.Node.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Node.Hostname = h
		}
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = cfg.Node.Hostname
	}

	if cfg.Coordinator.Address == "" {
		cfg.Coordinator.Address = "localhost:50061"
	}
	if cfg.Coordinator.RequestTimeout == 0 {
		cfg.Coordinator.RequestTimeout = 10 * time.Second
	}
	if cfg.Coordinator.RetryBackoffSeconds == 0 {
		cfg.Coordinator.RetryBackoffSeconds = 2
	}
	if cfg.Coordinator.MaxBackoff == 0 {
		cfg.Coordinator.MaxBackoff = 5 * time.Minute
	}
	if cfg.Coordinator.MaxRetries == 0 {
		cfg.Coordinator.MaxRetries = 8
	}
	if cfg.Coordinator.HeartbeatInterval == 0 {
		cfg.Coordinator.HeartbeatInterval = 30 * time.Second
	}

	if cfg.Monitor.ScanInterval == 0 {
		cfg.Monitor.ScanInterval = time.Minute
	}
	if cfg.Monitor.ObservationWindow == 0 {
		cfg.Monitor.ObservationWindow = 30 * time.Minute
	}
	if cfg.Monitor.SuspectReallocated == 0 {
		cfg.Monitor.SuspectReallocated = 8
	}
	if cfg.Monitor.FailReallocated == 0 {
		cfg.Monitor.FailReallocated = 100
	}
	if cfg.Monitor.SuspectPending == 0 {
		cfg.Monitor.SuspectPending = 1
	}
	if cfg.Monitor.MaxTemperatureC == 0 {
		cfg.Monitor.MaxTemperatureC = 60
	}
	if cfg.Monitor.Workers == 0 {
		cfg.Monitor.Workers = 4
	}

	if cfg.Device.CephBinary == "" {
		cfg.Device.CephBinary = "ceph"
	}
	if cfg.Device.SmartctlBinary == "" {
		cfg.Device.SmartctlBinary = "smartctl"
	}
	if cfg.Device.CommandTimeout == 0 {
		cfg.Device.CommandTimeout = 2 * time.Minute
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "/var/lib/bynar/ledger.db"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *AgentConfig) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Coordinator.MaxRetries < 1 {
		return fmt.Errorf("coordinator.max_retries must be at least 1")
	}
	if c.Coordinator.RetryBackoffSeconds < 1 {
		return fmt.Errorf("coordinator.retry_backoff_seconds must be at least 1")
	}
	if c.Monitor.FailReallocated < c.Monitor.SuspectReallocated {
		return fmt.Errorf("monitor.fail_reallocated must not be below monitor.suspect_reallocated")
	}
	if c.Monitor.Workers < 1 {
		return fmt.Errorf("monitor.workers must be at least 1")
	}
	return nil
}
