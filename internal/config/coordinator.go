package config

import (
	"errors"
	"time"
)

// CoordinatorConfig represents the arbiter service configuration
type CoordinatorConfig struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Safety        SafetyConfig        `mapstructure:"safety"`
	ClusterHealth ClusterHealthConfig `mapstructure:"cluster_health"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
	Gossip        GossipConfig        `mapstructure:"gossip"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig represents gRPC server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the durable state store configuration.
// Backend "memory" keeps state in process and is meant for development.
type DatabaseConfig struct {
	Backend        string `mapstructure:"backend"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	PasswordSecret string `mapstructure:"password_secret"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the decision cache configuration
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	PasswordSecret string        `mapstructure:"password_secret"`
	DB             int           `mapstructure:"db"`
	DecisionTTL    time.Duration `mapstructure:"decision_ttl"`
}

// SafetyConfig represents the thresholds used to approve operations
type SafetyConfig struct {
	MinRedundancy             int     `mapstructure:"min_redundancy"`
	StalenessThresholdSeconds int     `mapstructure:"staleness_threshold_seconds"`
	AddRatePerMinute          float64 `mapstructure:"add_rate_per_minute"`
	AddBurst                  int     `mapstructure:"add_burst"`
	RetryAfterSeconds         int     `mapstructure:"retry_after_seconds"`
}

// StalenessThreshold returns the snapshot age limit as a duration
func (s SafetyConfig) StalenessThreshold() time.Duration {
	return time.Duration(s.StalenessThresholdSeconds) * time.Second
}

// ClusterHealthConfig represents the cluster-health source configuration
type ClusterHealthConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// EscalationConfig represents ticket and notification targets
type EscalationConfig struct {
	TicketEndpoint    string        `mapstructure:"ticket_endpoint"`
	TicketProject     string        `mapstructure:"ticket_project"`
	TicketTokenSecret string        `mapstructure:"ticket_token_secret"`
	NotifyWebhook     string        `mapstructure:"notify_webhook"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// SecretsConfig represents where secret files are read from
type SecretsConfig struct {
	Dir string `mapstructure:"dir"`
}

// WorkersConfig represents the per-disk decision worker pool
type WorkersConfig struct {
	Shards    int `mapstructure:"shards"`
	QueueSize int `mapstructure:"queue_size"`
}

// GossipConfig represents memberlist configuration
type GossipConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	BindPort  int      `mapstructure:"bind_port" yaml:"bind_port"`
	SeedNodes []string `mapstructure:"seed_nodes" yaml:"seed_nodes"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate validates the configuration
func (c *CoordinatorConfig) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	switch c.Database.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case "memory":
	default:
		return errors.New("database.backend must be one of: postgres, memory")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Safety.MinRedundancy < 1 {
		return errors.New("safety.min_redundancy must be at least 1")
	}
	if c.Safety.StalenessThresholdSeconds <= 0 {
		return errors.New("safety.staleness_threshold_seconds must be positive")
	}
	if c.Safety.AddRatePerMinute <= 0 {
		return errors.New("safety.add_rate_per_minute must be positive")
	}
	if c.ClusterHealth.Endpoint == "" {
		return errors.New("cluster_health.endpoint is required")
	}
	if c.ClusterHealth.RefreshInterval <= 0 {
		return errors.New("cluster_health.refresh_interval must be positive")
	}
	if c.Workers.Shards <= 0 {
		return errors.New("workers.shards must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultCoordinatorConfig returns default configuration values
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            50061,
			NodeID:          "arbiter-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Backend:        "postgres",
			Host:           "localhost",
			Port:           5432,
			Database:       "bynar",
			User:           "bynar",
			PasswordSecret: "database_password",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        6379,
			DB:          0,
			DecisionTTL: 24 * time.Hour,
		},
		Safety: SafetyConfig{
			MinRedundancy:             2,
			StalenessThresholdSeconds: 60,
			AddRatePerMinute:          6,
			AddBurst:                  2,
			RetryAfterSeconds:         10,
		},
		ClusterHealth: ClusterHealthConfig{
			Endpoint:        "http://localhost:8003/api/v0/pg/dump",
			RefreshInterval: 15 * time.Second,
			Timeout:         5 * time.Second,
		},
		Escalation: EscalationConfig{
			TicketProject:  "STORAGE",
			RequestTimeout: 10 * time.Second,
			SweepInterval:  time.Minute,
		},
		Secrets: SecretsConfig{
			Dir: "/etc/bynar/secrets",
		},
		Gossip: GossipConfig{
			Enabled:  false,
			BindPort: 7946,
		},
		Workers: WorkersConfig{
			Shards:    16,
			QueueSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
