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
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/locks.db"
sync:
  poll_interval: 10s
  max_attempts: 3
  timezone: "UTC"
locks:
  - name: "Front Door"
    platform: "zwave_js"
    start_slot: 1
    slot_count: 6
    params:
      node_id: "12"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/locks.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/locks.db")
	}
	if cfg.Sync.PollInterval != 10*time.Second {
		t.Errorf("Sync.PollInterval = %v, want %v", cfg.Sync.PollInterval, 10*time.Second)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("Sync.MaxAttempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	// Unset keys keep their defaults.
	if cfg.Sync.EventThrottle != 5*time.Second {
		t.Errorf("Sync.EventThrottle = %v, want %v", cfg.Sync.EventThrottle, 5*time.Second)
	}
	if len(cfg.Locks) != 1 || cfg.Locks[0].Params["node_id"] != "12" {
		t.Errorf("Locks = %+v, want one lock with node_id 12", cfg.Locks)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.PollInterval != 5*time.Second {
		t.Errorf("Sync.PollInterval = %v, want 5s", cfg.Sync.PollInterval)
	}
	if !cfg.Sync.Enabled {
		t.Error("Sync.Enabled = false, want true")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HA_URL", "http://ha.local:8123")
	t.Setenv("SUPERVISOR_TOKEN", "super")
	t.Setenv("LCM_DATABASE_PATH", "/var/lib/lcm.db")
	t.Setenv("LCM_SYNC_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HomeAssistant.URL != "http://ha.local:8123" {
		t.Errorf("HomeAssistant.URL = %q", cfg.HomeAssistant.URL)
	}
	if got := cfg.HomeAssistant.AuthToken(); got != "super" {
		t.Errorf("AuthToken() = %q, want supervisor token", got)
	}
	if cfg.Database.Path != "/var/lib/lcm.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Sync.Enabled {
		t.Error("Sync.Enabled = true, want false from env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Sync.MaxAttempts = 0 },
			wantErr: "sync.max_attempts",
		},
		{
			name: "backoff inverted",
			mutate: func(c *Config) {
				c.Sync.BackoffInitial = time.Minute
				c.Sync.BackoffMax = time.Second
			},
			wantErr: "sync.backoff_initial",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Sync.Timezone = "Mars/Olympus" },
			wantErr: "sync.timezone",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name: "duplicate lock names",
			mutate: func(c *Config) {
				l := LockConfig{Name: "Door", Platform: "virtual", StartSlot: 1, SlotCount: 2}
				c.Locks = []LockConfig{l, l}
			},
			wantErr: "duplicated",
		},
		{
			name: "lock without slots",
			mutate: func(c *Config) {
				c.Locks = []LockConfig{{Name: "Door", Platform: "virtual", StartSlot: 1}}
			},
			wantErr: "slot_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
