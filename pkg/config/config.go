package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration of a quilt replica.
type Config struct {
	// DataDir is where the backend database file lives.
	DataDir string `yaml:"data_dir"`

	// StoreName namespaces the backend tables; replicas that sync with each
	// other must use the same name.
	StoreName string `yaml:"store_name"`

	// ListenAddr is the peer sync listener address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves the Prometheus endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// SyncInterval is how often the replica runs anti-entropy against its
	// peers; zero disables periodic sync.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// Peers are the sync addresses of other replicas.
	Peers []string `yaml:"peers"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:      "./data",
		StoreName:    "quilt",
		ListenAddr:   "127.0.0.1:7420",
		SyncInterval: 30 * time.Second,
		LogLevel:     "info",
	}
}

// Load reads a YAML config file and applies defaults for absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.StoreName == "" {
		return fmt.Errorf("store_name must not be empty")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must not be negative")
	}
	for _, p := range c.Peers {
		if p == "" {
			return fmt.Errorf("peer address must not be empty")
		}
	}
	return nil
}
