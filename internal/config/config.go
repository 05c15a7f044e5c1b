// Package config provides configuration loading for the syncbox daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string `yaml:"data_dir"`

	Remote   RemoteConfig  `yaml:"remote"`
	Sync     SyncConfig    `yaml:"sync"`
	RefData  RefDataConfig `yaml:"refdata"`
	Status   StatusConfig  `yaml:"status"`
	LogLevel string        `yaml:"log_level"`
}

// RemoteConfig configures the remote authoritative API.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig configures the orchestrator and outbox.
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMult   float64       `yaml:"backoff_multiplier"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// BulkTypes lists operation types the remote accepts as one bulk call.
	BulkTypes []string `yaml:"bulk_types"`
	// MergeKinds lists record kinds that support field-level smart merge.
	MergeKinds []string `yaml:"merge_kinds"`
	// Strategy is the default conflict resolution strategy.
	Strategy string `yaml:"strategy"`
}

// RefDataConfig configures the reference-data puller.
type RefDataConfig struct {
	Types         []string      `yaml:"types"`
	Interval      time.Duration `yaml:"interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	StaleInterval time.Duration `yaml:"stale_check_interval"`
}

// StatusConfig configures the WebSocket status server.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			BatchSize:     10,
			MaxAttempts:   3,
			BackoffBase:   5 * time.Second,
			BackoffMult:   3,
			BackoffMax:    5 * time.Minute,
			ProbeInterval: 30 * time.Second,
			Strategy:      "newest-wins",
		},
		RefData: RefDataConfig{
			Interval:      30 * time.Minute,
			StaleAfter:    time.Hour,
			StaleInterval: 30 * time.Minute,
		},
		Status: StatusConfig{
			Listen: "localhost:8090",
		},
		LogLevel: "INFO",
	}
}

// Load reads a YAML config file, layered over defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url must not be empty")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff window is invalid")
	}
	if c.Sync.BackoffMult < 1 {
		return fmt.Errorf("sync.backoff_multiplier must be >= 1")
	}
	switch c.Sync.Strategy {
	case "client-wins", "server-wins", "newest-wins", "manual":
	default:
		return fmt.Errorf("unknown sync.strategy %q", c.Sync.Strategy)
	}
	return nil
}
