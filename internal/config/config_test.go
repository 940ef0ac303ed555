package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 6000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.SelfAddress())
	assert.Equal(t, BackendBroadcast, cfg.Chunk.Backend)
	assert.Equal(t, 150*time.Millisecond, cfg.Chunk.HeartbeatTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Chunk.HeartbeatSendPeriod)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 10.0.0.5
  port: 7000
  request_timeout: 3s
discovery:
  static_peers: ["10.0.0.6:7000", "10.0.0.7:7000"]
  gossip_enabled: true
  gossip_bind_port: 7946
chunk:
  backend: raft
  heartbeat_timeout: 200ms
  heartbeat_send_period: 40ms
chord:
  stabilize_interval: 5ms
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRaft, cfg.Chunk.Backend)
	assert.Equal(t, 3*time.Second, cfg.Server.RequestTimeout)
	assert.Len(t, cfg.Discovery.StaticPeers, 2)
	assert.Equal(t, 200*time.Millisecond, cfg.Chunk.HeartbeatTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.Chord.StabilizeInterval)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad backend", mutate: func(c *Config) { c.Chunk.Backend = "paxos" }},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = -1 }},
		{name: "send period above timeout", mutate: func(c *Config) {
			c.Chunk.HeartbeatSendPeriod = c.Chunk.HeartbeatTimeout * 2
		}},
		{name: "gossip port collides", mutate: func(c *Config) {
			c.Discovery.GossipEnabled = true
			c.Discovery.GossipBindPort = c.Server.Port
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
