package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"mode defaults to api", func(c *Config) bool { return c.Mode == "api" }},
		{"port defaults to 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"log level defaults to info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"log format defaults to json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"migrations global dir has default", func(c *Config) bool { return c.MigrationsGlobalDir == "migrations/global" }},
		{"migrations tenant dir has default", func(c *Config) bool { return c.MigrationsTenantDir == "migrations/tenant" }},
		{"cors allows all by default", func(c *Config) bool { return len(c.CORSAllowedOrigins) == 1 && c.CORSAllowedOrigins[0] == "*" }},
		{"2fa max fails defaults to 5", func(c *Config) bool { return c.TwoFactorMaxFails == 5 }},
		{"mcp send queue max defaults to 256", func(c *Config) bool { return c.MCPSendQueueMax == 256 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("default check failed for %s", tt.name)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 9090}
	if got, want := cfg.ListenAddr(), "127.0.0.1:9090"; got != want {
		t.Errorf("ListenAddr() = %q, want %q", got, want)
	}
}

func TestLoadWrongDatabaseHostsSplit(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCPGATE_WRONG_DATABASE_HOSTS", "prod-db.internal,prod-replica.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.WrongDatabaseHosts) != 2 {
		t.Fatalf("WrongDatabaseHosts = %v, want 2 entries", cfg.WrongDatabaseHosts)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		_ = kv
	}
	vars := []string{
		"MCPGATE_MODE", "MCPGATE_HOST", "MCPGATE_PORT", "DATABASE_URL",
		"MCPGATE_WRONG_DATABASE_HOSTS", "REDIS_URL", "LOG_LEVEL", "LOG_FORMAT",
		"METRICS_PATH", "MIGRATIONS_GLOBAL_DIR", "MIGRATIONS_TENANT_DIR",
		"CORS_ALLOWED_ORIGINS", "MCPGATE_SESSION_SECRET", "MCPGATE_SESSION_MAX_AGE",
		"MCPGATE_APIKEY_PEPPER", "MCPGATE_TRUSTED_DEVICE_TTL", "MCPGATE_2FA_MAX_FAILS",
		"MCPGATE_2FA_LOCK_FOR", "SLACK_BOT_TOKEN", "SLACK_ALERT_CHANNEL",
		"MCPGATE_MCP_IDLE_TIMEOUT", "MCPGATE_MCP_HEARTBEAT", "MCPGATE_MCP_SEND_QUEUE_MAX",
		"MCPGATE_MCP_UPSTREAM_DIAL_TIMEOUT", "MCPGATE_REALTIME_IDLE_DEADLINE",
		"MCPGATE_REALTIME_TYPING_WINDOW",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}
