package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
rollout:
  name: checkout
  metricsWindow: 30m
  minCallsForAdvance: 200
store:
  backend: sqlite
  sqlite:
    path: /var/lib/rollout/state.db
monitor:
  enabled: true
  interval: 1m
  autoRollbackOnCritical: true
  suppressionWindow: 45m
  channels: [pagerduty, slack]
  redis:
    address: localhost:6379
server:
  addr: ":9090"
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Rollout.Name != "checkout" {
		t.Errorf("rollout name = %q, want checkout", cfg.Rollout.Name)
	}
	if cfg.Rollout.MetricsWindow.Std() != 30*time.Minute {
		t.Errorf("metrics window = %v, want 30m", cfg.Rollout.MetricsWindow.Std())
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLite.Path != "/var/lib/rollout/state.db" {
		t.Errorf("store = %+v, want sqlite backend", cfg.Store)
	}
	if cfg.Monitor.Interval.Std() != time.Minute {
		t.Errorf("interval = %v, want 1m", cfg.Monitor.Interval.Std())
	}
	if cfg.Monitor.SuppressionWindow.Std() != 45*time.Minute {
		t.Errorf("suppression window = %v, want 45m", cfg.Monitor.SuppressionWindow.Std())
	}
	if len(cfg.Monitor.Channels) != 2 {
		t.Errorf("channels = %v, want two", cfg.Monitor.Channels)
	}
	if cfg.Monitor.Redis.Address != "localhost:6379" {
		t.Errorf("redis address = %q", cfg.Monitor.Redis.Address)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("server addr = %q, want :9090", cfg.Server.Addr)
	}
}

func TestLoadFromFileDefaults(t *testing.T) {
	path := writeConfig(t, `
rollout:
  name: checkout
store:
  backend: memory
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	def := Default()
	if cfg.Monitor.Interval != def.Monitor.Interval {
		t.Errorf("interval = %v, want default %v", cfg.Monitor.Interval, def.Monitor.Interval)
	}
	if cfg.Rollout.MinCallsForAdvance != def.Rollout.MinCallsForAdvance {
		t.Errorf("minCallsForAdvance = %d, want default %d", cfg.Rollout.MinCallsForAdvance, def.Rollout.MinCallsForAdvance)
	}
	if cfg.Server.Addr != def.Server.Addr {
		t.Errorf("addr = %q, want default %q", cfg.Server.Addr, def.Server.Addr)
	}
}

func TestLoadFromFileInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
rollout:
  name: checkout
store:
  backend: memory
monitor:
  interval: soon
`)
	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("LoadFromFile = %v, want invalid duration error", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing name", func(c *Config) { c.Rollout.Name = "" }, "rollout.name"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite" }, "store.sqlite.path"},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres.url"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
