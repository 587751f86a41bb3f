// Package config loads the lock code manager configuration.
//
// Configuration is layered: built-in defaults, then the YAML file (if any),
// then environment variables. The result is validated before use.
//
//	sync:
//	  enabled: true
//	  poll_interval: 5s
//	  max_attempts: 5
//	locks:
//	  - name: "Front Door"
//	    platform: "zwave_js"
//	    start_slot: 1
//	    slot_count: 10
//	    params:
//	      node_id: "12"
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	Sync          SyncConfig          `yaml:"sync"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	ZWaveJSUI     ZWaveJSUIConfig     `yaml:"zwave_js_ui"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Zigbee2MQTT   Zigbee2MQTTConfig   `yaml:"zigbee2mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Locks         []LockConfig        `yaml:"locks"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	StaticDir    string        `yaml:"static_dir"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	DisableWAL  bool          `yaml:"disable_wal"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr
}

// SyncConfig holds the reconciliation tunables.
type SyncConfig struct {
	// Enabled is the global automation switch. When false the controllers
	// still evaluate and report but never write to a lock.
	Enabled bool `yaml:"enabled"`

	PollInterval       time.Duration `yaml:"poll_interval"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	VerifyDelay        time.Duration `yaml:"verify_delay"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval"`
	EventThrottle      time.Duration `yaml:"event_throttle"`
	ReevaluateSchedule string        `yaml:"reevaluate_schedule"`
	Timezone           string        `yaml:"timezone"`
}

// Location resolves the configured timezone.
func (s SyncConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || strings.EqualFold(s.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// HomeAssistantConfig holds Home Assistant API access.
type HomeAssistantConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	SupervisorToken string        `yaml:"-"`
	Timeout         time.Duration `yaml:"timeout"`
	// ReadService is the domain.service used to read user codes with
	// return_response, e.g. "lock.get_usercodes".
	ReadService string `yaml:"read_service"`
}

// IsAddonMode reports whether the service runs as a Home Assistant add-on.
func (c HomeAssistantConfig) IsAddonMode() bool {
	return c.SupervisorToken != ""
}

// AuthToken returns the token to authenticate with.
func (c HomeAssistantConfig) AuthToken() string {
	if c.IsAddonMode() {
		return c.SupervisorToken
	}
	return c.Token
}

// ZWaveJSUIConfig holds the Z-Wave JS UI websocket endpoint.
type ZWaveJSUIConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
}

// MQTTBrokerConfig identifies the broker.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Zigbee2MQTTConfig configures the zigbee2mqtt bridge topics.
type Zigbee2MQTTConfig struct {
	BaseTopic string `yaml:"base_topic"`
}

// InfluxDBConfig configures the access history writer.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// LockConfig bootstraps a lock at startup. Locks are matched by name.
type LockConfig struct {
	Name      string            `yaml:"name"`
	Platform  string            `yaml:"platform"`
	StartSlot int               `yaml:"start_slot"`
	SlotCount int               `yaml:"slot_count"`
	Params    map[string]string `yaml:"params"`
}

// Load reads configuration from path. An empty path or a missing file
// yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8099",
			StaticDir:    "./static",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "/data/lock-code-manager.db",
			BusyTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sync: SyncConfig{
			Enabled:            true,
			PollInterval:       5 * time.Second,
			ConnectTimeout:     10 * time.Second,
			OperationTimeout:   30 * time.Second,
			MaxAttempts:        5,
			BackoffInitial:     2 * time.Second,
			BackoffMax:         2 * time.Minute,
			VerifyDelay:        15 * time.Second,
			ReconnectInterval:  30 * time.Second,
			EventThrottle:      5 * time.Second,
			ReevaluateSchedule: "0 * * * * *",
			Timezone:           "Local",
		},
		HomeAssistant: HomeAssistantConfig{
			URL:         "http://supervisor/core",
			Timeout:     30 * time.Second,
			ReadService: "lock.get_usercodes",
		},
		ZWaveJSUI: ZWaveJSUIConfig{
			URL: "ws://localhost:3000",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lock-code-manager",
			},
			QoS:         1,
			TopicPrefix: "lock-code-manager",
		},
		Zigbee2MQTT: Zigbee2MQTTConfig{
			BaseTopic: "zigbee2mqtt",
		},
		InfluxDB: InfluxDBConfig{
			Org:           "home",
			Bucket:        "lock_access",
			BatchSize:     100,
			FlushInterval: 10,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := os.Getenv("SUPERVISOR_TOKEN"); v != "" {
		cfg.HomeAssistant.SupervisorToken = v
	}
	if v := os.Getenv("ZWAVE_JS_UI_URL"); v != "" {
		cfg.ZWaveJSUI.URL = v
	}
	if v := os.Getenv("ZWAVE_JS_UI_API_KEY"); v != "" {
		cfg.ZWaveJSUI.APIKey = v
	}

	if v := os.Getenv("LCM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LCM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LCM_SYNC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.Enabled = b
		}
	}

	if v := os.Getenv("LCM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LCM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LCM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("LCM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Sync.PollInterval <= 0 {
		errs = append(errs, "sync.poll_interval must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, "sync.max_attempts must be at least 1")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		errs = append(errs, "sync.backoff_initial must be positive and not exceed sync.backoff_max")
	}
	if c.Sync.EventThrottle < 0 {
		errs = append(errs, "sync.event_throttle must not be negative")
	}
	if _, err := c.Sync.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("sync.timezone: %v", err))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && (c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535) {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	names := make(map[string]bool, len(c.Locks))
	for i, l := range c.Locks {
		if l.Name == "" {
			errs = append(errs, fmt.Sprintf("locks[%d].name is required", i))
		} else if names[l.Name] {
			errs = append(errs, fmt.Sprintf("locks[%d].name %q is duplicated", i, l.Name))
		}
		names[l.Name] = true
		if l.Platform == "" {
			errs = append(errs, fmt.Sprintf("locks[%d].platform is required", i))
		}
		if l.StartSlot < 1 {
			errs = append(errs, fmt.Sprintf("locks[%d].start_slot must be at least 1", i))
		}
		if l.SlotCount < 1 {
			errs = append(errs, fmt.Sprintf("locks[%d].slot_count must be at least 1", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
