package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/hrmon/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. HRMON_BLE_ADDRESS.
const EnvPrefix = "HRMON"

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig     `yaml:"ble"`
	Session  SessionConfig `yaml:"session"`
	Storage  StorageConfig `yaml:"storage"`
	Publish  PublishConfig `yaml:"publish"`
	Hotkey   HotkeyConfig  `yaml:"hotkey"`
	LogLevel string        `yaml:"log_level"`
}

// BLEConfig holds discovery and connection settings.
type BLEConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Address        string        `yaml:"address"` // empty: strongest signal
	NamePrefixes   []string      `yaml:"name_prefixes"`
}

// SessionConfig holds reconnection and flush policy.
type SessionConfig struct {
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffCeiling       time.Duration `yaml:"backoff_ceiling"`
	Jitter               bool          `yaml:"jitter"`
	MaxConnectAttempts   int           `yaml:"max_connect_attempts"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	FlushEvery           int           `yaml:"flush_every"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	FlushTimeout         time.Duration `yaml:"flush_timeout"`
}

// StorageConfig selects where measurements are persisted.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "parquet", "sqlite" or "none"
	Dir     string `yaml:"dir"`
}

// PublishConfig enables live fan-out. Empty broker or addr disables that
// publisher.
type PublishConfig struct {
	Encoding string      `yaml:"encoding"` // "json" or "cbor"
	MQTT     MQTTConfig  `yaml:"mqtt"`
	Redis    RedisConfig `yaml:"redis"`
}

// MQTTConfig holds MQTT publisher settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// RedisConfig holds Redis Streams publisher settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// HotkeyConfig holds the global stop hotkey.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hrmon")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 10 * time.Second,
			NamePrefixes:   []string{"Garmin", "GARMIN", "HRM-"},
		},
		Session: SessionConfig{
			BackoffBase:          time.Second,
			BackoffCeiling:       30 * time.Second,
			Jitter:               true,
			MaxConnectAttempts:   3,
			MaxReconnectAttempts: 5,
			FlushEvery:           60,
			FlushInterval:        30 * time.Second,
			FlushTimeout:         10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "parquet",
			Dir:     filepath.Join("data", "hrmon"),
		},
		Publish: PublishConfig{
			Encoding: "json",
			MQTT:     MQTTConfig{Topic: "hrmon", QoS: 0},
			Redis:    RedisConfig{Stream: "hrmon", MaxLen: 100000},
		},
		Hotkey: HotkeyConfig{
			Enabled: false,
			Keys:    []string{"ctrl", "shift", "q"},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in storage.dir is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.Dir = expandTilde(cfg.Storage.Dir)
	return cfg, nil
}

// LoadOrDefault loads path if given, else the default path if it exists,
// else built-in defaults. The second result names the file used.
func LoadOrDefault(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}

	defaultPath := DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}
	return Default(), "", nil
}

// ApplyEnv overrides fields from HRMON_* environment variables, e.g.
// HRMON_BLE_ADDRESS or HRMON_SESSION_MAX_RECONNECT_ATTEMPTS.
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = splitList(v.GetString(key))
		}
	}

	dur("ble.scan_timeout", &c.BLE.ScanTimeout)
	dur("ble.connect_timeout", &c.BLE.ConnectTimeout)
	str("ble.address", &c.BLE.Address)
	list("ble.name_prefixes", &c.BLE.NamePrefixes)

	dur("session.backoff_base", &c.Session.BackoffBase)
	dur("session.backoff_ceiling", &c.Session.BackoffCeiling)
	flag("session.jitter", &c.Session.Jitter)
	num("session.max_connect_attempts", &c.Session.MaxConnectAttempts)
	num("session.max_reconnect_attempts", &c.Session.MaxReconnectAttempts)
	num("session.flush_every", &c.Session.FlushEvery)
	dur("session.flush_interval", &c.Session.FlushInterval)
	dur("session.flush_timeout", &c.Session.FlushTimeout)

	str("storage.backend", &c.Storage.Backend)
	str("storage.dir", &c.Storage.Dir)

	str("publish.encoding", &c.Publish.Encoding)
	str("publish.mqtt.broker", &c.Publish.MQTT.Broker)
	str("publish.mqtt.topic", &c.Publish.MQTT.Topic)
	str("publish.mqtt.username", &c.Publish.MQTT.Username)
	str("publish.mqtt.password", &c.Publish.MQTT.Password)
	num("publish.mqtt.qos", &c.Publish.MQTT.QoS)
	str("publish.redis.addr", &c.Publish.Redis.Addr)
	str("publish.redis.password", &c.Publish.Redis.Password)
	num("publish.redis.db", &c.Publish.Redis.DB)
	str("publish.redis.stream", &c.Publish.Redis.Stream)
	if v.IsSet("publish.redis.max_len") {
		c.Publish.Redis.MaxLen = v.GetInt64("publish.redis.max_len")
	}

	flag("hotkey.enabled", &c.Hotkey.Enabled)
	list("hotkey.keys", &c.Hotkey.Keys)

	str("log_level", &c.LogLevel)

	c.Storage.Dir = expandTilde(c.Storage.Dir)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	s := c.Session
	if s.BackoffBase <= 0 {
		return fmt.Errorf("session.backoff_base must be > 0")
	}
	if s.BackoffCeiling < s.BackoffBase {
		return fmt.Errorf("session.backoff_ceiling (%s) must be >= backoff_base (%s)", s.BackoffCeiling, s.BackoffBase)
	}
	if s.MaxConnectAttempts < 1 {
		return fmt.Errorf("session.max_connect_attempts must be >= 1")
	}
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be >= 0")
	}
	if s.FlushEvery < 0 {
		return fmt.Errorf("session.flush_every must be >= 0")
	}
	if s.FlushInterval < 0 {
		return fmt.Errorf("session.flush_interval must be >= 0")
	}
	if s.FlushTimeout <= 0 {
		return fmt.Errorf("session.flush_timeout must be > 0")
	}

	switch c.Storage.Backend {
	case "parquet", "sqlite":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir must not be empty for backend %q", c.Storage.Backend)
		}
	case "none":
	default:
		return fmt.Errorf("storage.backend must be parquet, sqlite, or none, got %q", c.Storage.Backend)
	}

	switch c.Publish.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("publish.encoding must be \"json\" or \"cbor\", got %q", c.Publish.Encoding)
	}
	if q := c.Publish.MQTT.QoS; q < 0 || q > 2 {
		return fmt.Errorf("publish.mqtt.qos must be 0, 1, or 2, got %d", q)
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty when hotkey.enabled is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# hrmon configuration
# Every key may be overridden by an HRMON_* environment variable
# (e.g. HRMON_BLE_ADDRESS) and by command-line flags.

`

// WriteDefault writes the default config to DefaultConfigPath. It does
// nothing and returns "" if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel converts a log_level value, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	level, err := logger.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
