package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of one DSM node.
type Config struct {
	// Node identity; a random id is generated when empty
	NodeID string `yaml:"node_id"`

	Coordination CoordinationConfig `yaml:"coordination"`
	Coherence    CoherenceConfig    `yaml:"coherence"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// CoordinationConfig selects and configures the coordination service.
type CoordinationConfig struct {
	Backend     string `yaml:"backend"` // redis, memory
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	DialTimeout string `yaml:"dial_timeout"`
}

// CoherenceConfig tunes the page protocol.
type CoherenceConfig struct {
	FetchTimeout   string `yaml:"fetch_timeout"`
	PublishTimeout string `yaml:"publish_timeout"`
	ChannelPrefix  string `yaml:"channel_prefix"`
	FetchOnWrite   bool   `yaml:"fetch_on_write"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Coordination: CoordinationConfig{
			Backend:     "redis",
			Addr:        "127.0.0.1:6379",
			DialTimeout: "5s",
		},
		Coherence: CoherenceConfig{
			FetchTimeout:   "2s",
			PublishTimeout: "1s",
			ChannelPrefix:  "dsm:",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("DSM_NODE_ID"); id != "" {
		c.NodeID = id
	}
	if addr := os.Getenv("DSM_REDIS_ADDR"); addr != "" {
		c.Coordination.Addr = addr
	}
	if pw := os.Getenv("DSM_REDIS_PASSWORD"); pw != "" {
		c.Coordination.Password = pw
	}
	if level := os.Getenv("DSM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if d := os.Getenv("DSM_FETCH_TIMEOUT"); d != "" {
		c.Coherence.FetchTimeout = d
	}
}

// GetFetchTimeout returns the read-fault fetch bound as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Coherence.FetchTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// GetPublishTimeout returns the bound on a single publish.
func (c *Config) GetPublishTimeout() time.Duration {
	d, err := time.ParseDuration(c.Coherence.PublishTimeout)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetDialTimeout returns the coordination dial timeout.
func (c *Config) GetDialTimeout() time.Duration {
	d, err := time.ParseDuration(c.Coordination.DialTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ValidBackends lists the supported coordination backends.
var ValidBackends = []string{"redis", "memory"}

// ValidLevels lists the accepted log levels.
var ValidLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidBackends, c.Coordination.Backend) {
		return fmt.Errorf("invalid coordination backend: %s (valid: %v)", c.Coordination.Backend, ValidBackends)
	}
	if c.Coordination.Backend == "redis" && c.Coordination.Addr == "" {
		return fmt.Errorf("coordination addr not configured (set coordination.addr or DSM_REDIS_ADDR)")
	}
	if !contains(ValidLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLevels)
	}
	if _, err := time.ParseDuration(c.Coherence.FetchTimeout); err != nil {
		return fmt.Errorf("invalid fetch_timeout %q: %w", c.Coherence.FetchTimeout, err)
	}
	if len(c.NodeID) > 255 {
		return fmt.Errorf("node_id longer than 255 bytes")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
