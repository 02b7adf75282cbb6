package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server"`
	Store     StoreConfig     `mapstructure:"store" json:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
	Keys      KeysConfig      `mapstructure:"keys" json:"keys"`
	Approvals ApprovalsConfig `mapstructure:"approvals" json:"approvals"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" json:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit" json:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
	Notify    NotifyConfig    `mapstructure:"notify" json:"notify"`
}

// ServerConfig HTTP listener settings
type ServerConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig repository settings. File is the snapshot path of the memory
// driver; empty keeps state in process only.
type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn"`
	File   string `mapstructure:"file" json:"file"`
}

// RateLimitConfig limiter settings
type RateLimitConfig struct {
	Backend       string      `mapstructure:"backend" json:"backend"`
	DefaultLimit  int         `mapstructure:"default_limit" json:"default_limit"`   // per-minute limit for keys issued without one, 0 = unlimited
	EvictInterval int         `mapstructure:"evict_interval" json:"evict_interval"` // seconds
	Redis         RedisConfig `mapstructure:"redis" json:"redis"`
}

// RedisConfig shared limiter backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

// KeysConfig API key settings
type KeysConfig struct {
	FlushInterval int    `mapstructure:"flush_interval" json:"flush_interval"` // seconds
	BootstrapName string `mapstructure:"bootstrap_name" json:"bootstrap_name"`
}

// ApprovalsConfig lifecycle settings
type ApprovalsConfig struct {
	DefaultTTL    int `mapstructure:"default_ttl" json:"default_ttl"`       // seconds, 0 = never expires
	SweepInterval int `mapstructure:"sweep_interval" json:"sweep_interval"` // seconds, 0 disables the sweeper
}

// LogConfig application logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // text or json
	File   string `mapstructure:"file" json:"file"`
}

// TracingConfig span export settings
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Output  string `mapstructure:"output" json:"output"`
}

// AuditConfig event journal settings
type AuditConfig struct {
	Journal string `mapstructure:"journal" json:"journal"`
}

// MetricsConfig decision metrics settings
type MetricsConfig struct {
	File string `mapstructure:"file" json:"file"`
}

// NotifyConfig outbound notifications
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram" json:"telegram"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Token   string `mapstructure:"token" json:"token"`
	ChatID  int64  `mapstructure:"chat_id" json:"chat_id"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Store: StoreConfig{
			Driver: "memory",
			File:   filepath.Join(dir, "state.json"),
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			DefaultLimit:  120,
			EvictInterval: 300,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "agentgate:ratelimit:",
			},
		},
		Keys: KeysConfig{
			FlushInterval: 60,
			BootstrapName: "admin",
		},
		Approvals: ApprovalsConfig{
			SweepInterval: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			File: filepath.Join(dir, "metrics.json"),
		},
	}
}

// ConfigDir returns the agentgate config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".agentgate")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "":
		driver = "memory"
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required when store.driver is \"postgres\"")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres; got %q", c.Store.Driver)
	}
	c.Store.Driver = driver

	backend := strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	switch backend {
	case "":
		backend = "memory"
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RateLimit.Redis.Addr) == "" {
			return fmt.Errorf("rate_limit.redis.addr is required when rate_limit.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be one of memory, redis; got %q", c.RateLimit.Backend)
	}
	c.RateLimit.Backend = backend

	if c.RateLimit.DefaultLimit < 0 {
		return fmt.Errorf("rate_limit.default_limit must not be negative, got %d", c.RateLimit.DefaultLimit)
	}
	if c.RateLimit.EvictInterval < 0 {
		return fmt.Errorf("rate_limit.evict_interval must not be negative, got %d", c.RateLimit.EvictInterval)
	}
	if c.RateLimit.EvictInterval == 0 {
		c.RateLimit.EvictInterval = 300
	}

	if c.Keys.FlushInterval < 0 {
		return fmt.Errorf("keys.flush_interval must not be negative, got %d", c.Keys.FlushInterval)
	}
	if c.Keys.FlushInterval == 0 {
		c.Keys.FlushInterval = 60
	}
	c.Keys.BootstrapName = strings.TrimSpace(c.Keys.BootstrapName)

	if c.Approvals.DefaultTTL < 0 {
		return fmt.Errorf("approvals.default_ttl must not be negative, got %d", c.Approvals.DefaultTTL)
	}
	if c.Approvals.SweepInterval < 0 {
		return fmt.Errorf("approvals.sweep_interval must not be negative, got %d", c.Approvals.SweepInterval)
	}
	if c.Approvals.SweepInterval > 0 && c.Approvals.SweepInterval < 5 {
		c.Approvals.SweepInterval = 5
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	format := strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of text, json; got %q", c.Log.Format)
	}
	c.Log.Format = format

	if c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required when telegram notifications are enabled")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required when telegram notifications are enabled")
		}
	}

	return nil
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
