package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 3000 {
		t.Errorf("expected Port=3000, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" || cfg.RateLimit.Backend != "memory" {
		t.Errorf("expected memory backends, got store=%q rate_limit=%q", cfg.Store.Driver, cfg.RateLimit.Backend)
	}
	if cfg.Keys.FlushInterval != 60 {
		t.Errorf("expected FlushInterval=60, got %d", cfg.Keys.FlushInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoad_CreatesDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	info, err := os.Stat(filepath.Join(home, ".agentgate", "config.json"))
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected config mode 0600, got %o", info.Mode().Perm())
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	dir := filepath.Join(home, ".agentgate")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw := `{
  "server": {"host": "127.0.0.1", "port": 8080},
  "store": {"driver": "memory", "dsn": "", "file": ""},
  "rate_limit": {"backend": "memory", "default_limit": 10},
  "approvals": {"default_ttl": 600, "sweep_interval": 2},
  "log": {"level": "WARN"}
}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTGATE_SERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.RateLimit.DefaultLimit != 10 || cfg.Approvals.DefaultTTL != 600 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Approvals.SweepInterval != 5 {
		t.Fatalf("expected sweep interval clamped to 5, got %d", cfg.Approvals.SweepInterval)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected normalized log level, got %q", cfg.Log.Level)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"backend", func(c *Config) { c.RateLimit.Backend = "etcd" }, "rate_limit.backend"},
		{"redis addr", func(c *Config) { c.RateLimit.Backend = "redis"; c.RateLimit.Redis.Addr = "" }, "rate_limit.redis.addr"},
		{"negative limit", func(c *Config) { c.RateLimit.DefaultLimit = -1 }, "rate_limit.default_limit"},
		{"negative ttl", func(c *Config) { c.Approvals.DefaultTTL = -5 }, "approvals.default_ttl"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"telegram token", func(c *Config) { c.Notify.Telegram.Enabled = true }, "notify.telegram.token"},
		{"telegram chat", func(c *Config) {
			c.Notify.Telegram.Enabled = true
			c.Notify.Telegram.Token = "t"
		}, "notify.telegram.chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_NormalizesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = " POSTGRES "
	cfg.Store.DSN = "postgres://localhost/agentgate"
	cfg.RateLimit.Backend = ""
	cfg.RateLimit.EvictInterval = 0
	cfg.Keys.FlushInterval = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.RateLimit.Backend != "memory" {
		t.Fatalf("unexpected normalization: %+v", cfg)
	}
	if cfg.RateLimit.EvictInterval != 300 || cfg.Keys.FlushInterval != 60 {
		t.Fatalf("expected interval defaults, got %+v", cfg)
	}
}
