package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/rollout/stage"
)

// Duration wraps time.Duration so YAML values like "30s" and "15m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration loaded from YAML.
type Config struct {
	Rollout RolloutConfig `yaml:"rollout"`
	Store   StoreConfig   `yaml:"store"`
	Monitor MonitorConfig `yaml:"monitor"`
	Server  ServerConfig  `yaml:"server"`
}

// RolloutConfig names the rollout and tunes health evaluation.
type RolloutConfig struct {
	Name string `yaml:"name"`
	// NewVersionTag and OldVersionTag label the two versions in recorded
	// call outcomes.
	NewVersionTag string `yaml:"newVersionTag,omitempty"`
	OldVersionTag string `yaml:"oldVersionTag,omitempty"`
	// MetricsWindow is the lookback for health evaluation.
	MetricsWindow Duration `yaml:"metricsWindow,omitempty"`
	// MinCallsForAdvance gates stage advancement on sample size.
	MinCallsForAdvance int `yaml:"minCallsForAdvance,omitempty"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", or "postgres".
	Backend  string         `yaml:"backend"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns,omitempty"`
	MinConns int32  `yaml:"minConns,omitempty"`
}

// MonitorConfig tunes the alert loop.
type MonitorConfig struct {
	Enabled                bool        `yaml:"enabled"`
	Interval               Duration    `yaml:"interval,omitempty"`
	AutoRollbackOnCritical bool        `yaml:"autoRollbackOnCritical"`
	MinCallsForAlerts      int         `yaml:"minCallsForAlerts,omitempty"`
	SuppressionWindow      Duration    `yaml:"suppressionWindow,omitempty"`
	WarningEscalation      Duration    `yaml:"warningEscalation,omitempty"`
	MaxConsecutiveWarnings int         `yaml:"maxConsecutiveWarnings,omitempty"`
	Channels               []string    `yaml:"channels,omitempty"`
	Redis                  RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the shared monitor state store. When Address is
// empty the monitor keeps its state in process memory.
type RedisConfig struct {
	Address  string `yaml:"address,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`
}

// Default returns a runnable configuration: in-memory store, local HTTP
// listener, monitor on with auto-rollback.
func Default() *Config {
	return &Config{
		Rollout: RolloutConfig{
			Name:               "default",
			NewVersionTag:      "new",
			OldVersionTag:      "old",
			MetricsWindow:      Duration(time.Hour),
			MinCallsForAdvance: 100,
		},
		Store: StoreConfig{Backend: "memory"},
		Monitor: MonitorConfig{
			Enabled:                true,
			Interval:               Duration(30 * time.Second),
			AutoRollbackOnCritical: true,
			MinCallsForAlerts:      50,
			SuppressionWindow:      Duration(30 * time.Minute),
			WarningEscalation:      Duration(15 * time.Minute),
			MaxConsecutiveWarnings: 3,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applying defaults for
// unset fields, and validates the result.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Rollout.Name == "" {
		return fmt.Errorf("rollout.name is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want memory, sqlite, or postgres)", c.Store.Backend)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Monitor.Interval.Std() < 0 || c.Monitor.SuppressionWindow.Std() < 0 || c.Monitor.WarningEscalation.Std() < 0 {
		return fmt.Errorf("monitor durations must not be negative")
	}
	return nil
}

// StageCatalog returns the stage catalog the daemon runs with. Kept as a
// function so a future config section can override thresholds per stage.
func (c *Config) StageCatalog() stage.Catalog {
	return stage.DefaultCatalog()
}
