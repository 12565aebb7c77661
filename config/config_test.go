package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DSM_NODE_ID", "DSM_REDIS_ADDR", "DSM_REDIS_PASSWORD", "DSM_LOG_LEVEL", "DSM_FETCH_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "redis", cfg.Coordination.Backend)
	assert.Equal(t, "127.0.0.1:6379", cfg.Coordination.Addr)
	assert.Equal(t, "dsm:", cfg.Coherence.ChannelPrefix)
	assert.Equal(t, 2*time.Second, cfg.GetFetchTimeout())
	assert.Equal(t, time.Second, cfg.GetPublishTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "dsm.yaml")

	cfg := DefaultConfig()
	cfg.NodeID = "node-a"
	cfg.Coordination.Addr = "redis:6380"
	cfg.Coherence.FetchTimeout = "750ms"
	cfg.Coherence.FetchOnWrite = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", loaded.NodeID)
	assert.Equal(t, "redis:6380", loaded.Coordination.Addr)
	assert.Equal(t, 750*time.Millisecond, loaded.GetFetchTimeout())
	assert.True(t, loaded.Coherence.FetchOnWrite)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dsm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:6379", cfg.Coordination.Addr)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dsm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordination: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DSM_NODE_ID", "env-node")
	t.Setenv("DSM_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("DSM_REDIS_PASSWORD", "secret")
	t.Setenv("DSM_LOG_LEVEL", "warn")
	t.Setenv("DSM_FETCH_TIMEOUT", "5s")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "env-node", cfg.NodeID)
	assert.Equal(t, "redis.internal:6379", cfg.Coordination.Addr)
	assert.Equal(t, "secret", cfg.Coordination.Password)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.GetFetchTimeout())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coherence.FetchTimeout = "soon"
	cfg.Coherence.PublishTimeout = "-1s"
	cfg.Coordination.DialTimeout = ""

	assert.Equal(t, 2*time.Second, cfg.GetFetchTimeout())
	assert.Equal(t, time.Second, cfg.GetPublishTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetDialTimeout())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Coordination.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Coordination.Addr = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad fetch timeout", func(c *Config) { c.Coherence.FetchTimeout = "soon" }},
		{"long node id", func(c *Config) {
			b := make([]byte, 256)
			for i := range b {
				b[i] = 'n'
			}
			c.NodeID = string(b)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Coordination.Backend = "memory"
	cfg.Coordination.Addr = ""
	assert.NoError(t, cfg.Validate())
}
