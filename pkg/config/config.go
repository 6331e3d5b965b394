package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a root (non-rootless) runtime.
const (
	DefaultRoot        = "/run/youki"
	DefaultCgroupRoot  = "/sys/fs/cgroup"
	DefaultSyncTimeout = 10 * time.Second
)

// Config holds the engine-level settings. CLI flags override whatever the
// optional config file provides.
type Config struct {
	// Root is the state directory, one subdirectory per container.
	Root string `yaml:"root"`

	// CgroupRoot is the mounted cgroup hierarchy to place containers under.
	CgroupRoot string `yaml:"cgroup_root"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// SyncTimeoutSeconds bounds how long create waits for each init
	// handshake message.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:               DefaultRoot,
		CgroupRoot:         DefaultCgroupRoot,
		LogLevel:           "info",
		SyncTimeoutSeconds: int(DefaultSyncTimeout / time.Second),
	}
}

// Load reads the YAML config at path over the defaults. An empty path means
// defaults only; a missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.CgroupRoot == "" {
		cfg.CgroupRoot = DefaultCgroupRoot
	}
	if cfg.SyncTimeoutSeconds <= 0 {
		cfg.SyncTimeoutSeconds = int(DefaultSyncTimeout / time.Second)
	}
	return cfg, nil
}

// SyncTimeout returns the handshake timeout as a duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}
