package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the process's own endpoint configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DiscoveryConfig holds peer-discovery bootstrap configuration. Static
// peers are dialed directly; when gossip is enabled the hub peer set
// additionally follows memberlist membership.
type DiscoveryConfig struct {
	StaticPeers    []string      `yaml:"static_peers"`
	GossipEnabled  bool          `yaml:"gossip_enabled"`
	GossipBindPort int           `yaml:"gossip_bind_port"`
	GossipSeeds    []string      `yaml:"gossip_seeds"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
}

// ChunkConfig selects and tunes the chunk consistency backend.
type ChunkConfig struct {
	Backend             string        `yaml:"backend"` // "broadcast" or "raft"
	LockRetryBackoff    time.Duration `yaml:"lock_retry_backoff"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatSendPeriod time.Duration `yaml:"heartbeat_send_period"`
	TriggerWorkers      int           `yaml:"trigger_workers"`
}

// ChordConfig tunes the distributed hash index.
type ChordConfig struct {
	StabilizeInterval time.Duration `yaml:"stabilize_interval"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete configuration of a map-api process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Chord     ChordConfig     `yaml:"chord"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BackendBroadcast and BackendRaft are the chunk backend names.
const (
	BackendBroadcast = "broadcast"
	BackendRaft      = "raft"
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills unspecified configuration with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5678
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Discovery.GossipBindPort == 0 {
		c.Discovery.GossipBindPort = 7946
	}
	if c.Discovery.GossipInterval == 0 {
		c.Discovery.GossipInterval = 200 * time.Millisecond
	}

	if c.Chunk.Backend == "" {
		c.Chunk.Backend = BackendBroadcast
	}
	if c.Chunk.LockRetryBackoff == 0 {
		c.Chunk.LockRetryBackoff = time.Millisecond
	}
	if c.Chunk.HeartbeatTimeout == 0 {
		c.Chunk.HeartbeatTimeout = 150 * time.Millisecond
	}
	if c.Chunk.HeartbeatSendPeriod == 0 {
		c.Chunk.HeartbeatSendPeriod = 50 * time.Millisecond
	}
	if c.Chunk.TriggerWorkers == 0 {
		c.Chunk.TriggerWorkers = 4
	}

	if c.Chord.StabilizeInterval == 0 {
		c.Chord.StabilizeInterval = time.Millisecond
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Chunk.Backend != BackendBroadcast && c.Chunk.Backend != BackendRaft {
		return fmt.Errorf("chunk.backend must be %q or %q", BackendBroadcast, BackendRaft)
	}
	if c.Chunk.HeartbeatSendPeriod >= c.Chunk.HeartbeatTimeout {
		return fmt.Errorf("chunk.heartbeat_send_period must be below chunk.heartbeat_timeout")
	}
	if c.Discovery.GossipEnabled && c.Discovery.GossipBindPort == c.Server.Port {
		return fmt.Errorf("discovery.gossip_bind_port must differ from server.port")
	}
	return nil
}

// SelfAddress returns the host:port the hub binds to.
func (c *Config) SelfAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
