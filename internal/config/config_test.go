package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moniwatch/moniwatch/internal/probe"
	"github.com/zalando/go-keyring"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTP.Address != "0.0.0.0:8080" {
		t.Errorf("expected default HTTP address '0.0.0.0:8080', got %q", cfg.Server.HTTP.Address)
	}
	if cfg.Storage.Backend != BackendBadger {
		t.Errorf("expected default backend badger, got %q", cfg.Storage.Backend)
	}
	if cfg.Scheduler.TickInterval.Std() != time.Second {
		t.Errorf("expected default tick interval 1s, got %v", cfg.Scheduler.TickInterval.Std())
	}
	if cfg.Scheduler.PoolSize != 10 {
		t.Errorf("expected default pool size 10, got %d", cfg.Scheduler.PoolSize)
	}
	if !cfg.Matcher.LegacyEqual {
		t.Error("expected legacy equal semantics by default")
	}
	if cfg.Alert.ClientCacheSize != 64 {
		t.Errorf("expected client cache size 64, got %d", cfg.Alert.ClientCacheSize)
	}
	if cfg.Alert.Override.Enabled() {
		t.Error("expected no alert override by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing http address",
			modify:  func(c *Config) { c.Server.HTTP.Address = "" },
			wantErr: "server.http.address",
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Storage.Backend = "mongo" },
			wantErr: "storage.backend",
		},
		{
			name:    "sql without url",
			modify:  func(c *Config) { c.Storage.Backend = BackendSQL },
			wantErr: "storage.database_url",
		},
		{
			name:    "badger without data dir",
			modify:  func(c *Config) { c.Storage.DataDir = "" },
			wantErr: "storage.data_dir",
		},
		{
			name:   "memory backend",
			modify: func(c *Config) { c.Storage.Backend = BackendMemory; c.Storage.DataDir = "" },
		},
		{
			name:    "redis without addr",
			modify:  func(c *Config) { c.ConfigStore.Backend = BackendRedis },
			wantErr: "config_store.redis_addr",
		},
		{
			name:    "zero pool",
			modify:  func(c *Config) { c.Scheduler.PoolSize = 0 },
			wantErr: "scheduler.pool_size",
		},
		{
			name:    "half override",
			modify:  func(c *Config) { c.Alert.Override.Token = "t" },
			wantErr: "alert.override",
		},
		{
			name: "bad datasource driver",
			modify: func(c *Config) {
				c.Probes.SQL.Datasources = map[string]probe.Datasource{"crm": {Driver: "oracle", DSN: "x"}}
			},
			wantErr: "unsupported driver",
		},
		{
			name:    "unknown default cluster",
			modify:  func(c *Config) { c.Probes.Elastic.Default = "main" },
			wantErr: "probes.elastic.default",
		},
		{
			name:    "auth without keys",
			modify:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "auth.keys",
		},
		{
			name:    "rate limit without burst",
			modify:  func(c *Config) { c.RateLimit.Burst = 0 },
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Setenv("TEST_HTTP_ADDR", "127.0.0.1:9090")

	data := []byte(`
server:
  http:
    address: ${TEST_HTTP_ADDR}
storage:
  backend: sql
  database_url: sqlite://moniwatch.db
scheduler:
  pool_size: 4
  firing_timeout: 2m
alert:
  platform_labels:
    pf1: Payments
  override:
    token: ${secret:env:BOT_TOKEN}
    chat_id: "-100"
matcher:
  legacy_equal: false
probes:
  sql:
    datasources:
      crm:
        driver: postgres
        dsn: postgres://crm
auth:
  enabled: true
  keys:
    k1: alice
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Server.HTTP.Address != "127.0.0.1:9090" {
		t.Errorf("expected env-expanded address, got %q", cfg.Server.HTTP.Address)
	}
	if cfg.Storage.Backend != BackendSQL || cfg.Storage.DatabaseURL != "sqlite://moniwatch.db" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Scheduler.PoolSize != 4 || cfg.Scheduler.FiringTimeout.Std() != 2*time.Minute {
		t.Errorf("unexpected scheduler %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.TickInterval.Std() != time.Second {
		t.Error("expected unset fields to keep defaults")
	}
	if cfg.Alert.Override.Token != "${secret:env:BOT_TOKEN}" {
		t.Errorf("secret reference must survive env expansion, got %q", cfg.Alert.Override.Token)
	}
	if cfg.Matcher.LegacyEqual {
		t.Error("expected legacy_equal false")
	}
	if cfg.Alert.PlatformLabels["pf1"] != "Payments" {
		t.Errorf("unexpected platform labels %v", cfg.Alert.PlatformLabels)
	}
	if cfg.Auth.Keys["k1"] != "alice" {
		t.Errorf("unexpected auth keys %v", cfg.Auth.Keys)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("server: [")); err == nil {
		t.Error("expected YAML error")
	}
	if _, err := Parse([]byte("storage:\n  backend: nope\n")); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moniwatch.yaml")
	if err := os.WriteFile(path, []byte("links:\n  base_url: https://admin.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Links.BaseURL != "https://admin.example.com" {
		t.Errorf("unexpected base url %q", cfg.Links.BaseURL)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MONIWATCH_HTTP_ADDRESS", ":7070")
	t.Setenv("MONIWATCH_STORAGE_BACKEND", "memory")
	t.Setenv("MONIWATCH_REDIS_ADDR", "redis:6379")
	t.Setenv("MONIWATCH_POOL_SIZE", "3")
	t.Setenv("MONIWATCH_LEGACY_EQUAL", "false")
	t.Setenv("MONIWATCH_TRACING_ENDPOINT", "otel:4318")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if cfg.Server.HTTP.Address != ":7070" {
		t.Errorf("unexpected address %q", cfg.Server.HTTP.Address)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("unexpected backend %q", cfg.Storage.Backend)
	}
	if cfg.ConfigStore.Backend != BackendRedis || cfg.ConfigStore.RedisAddr != "redis:6379" {
		t.Errorf("unexpected config store %+v", cfg.ConfigStore)
	}
	if cfg.Scheduler.PoolSize != 3 {
		t.Errorf("unexpected pool size %d", cfg.Scheduler.PoolSize)
	}
	if cfg.Matcher.LegacyEqual {
		t.Error("expected legacy equal override")
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel:4318" {
		t.Errorf("unexpected tracing %+v", cfg.Tracing)
	}

	t.Setenv("MONIWATCH_POOL_SIZE", "many")
	if _, err := Parse(nil); err == nil {
		t.Error("expected error for non-numeric pool size")
	}
}

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()
	if err := keyring.Set("moniwatch", "sendgrid", "SG.key"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MW_BOT_TOKEN", "123:abc")
	t.Setenv("MW_CRM_DSN", "postgres://user:pw@crm/db")
	t.Setenv("MW_ADMIN_KEY", "admin-key")

	cfg := DefaultConfig()
	cfg.Secrets.EnvPrefix = "MW_"
	cfg.Alert.Override = OverrideConfig{Token: "${secret:env:BOT_TOKEN}", ChatID: "-1"}
	cfg.Mail.APIKey = "${secret:keyring:sendgrid}"
	cfg.Probes.SQL.Datasources = map[string]probe.Datasource{
		"crm": {Driver: "postgres", DSN: "${secret:env:CRM_DSN}"},
	}
	cfg.Auth.Keys = map[string]string{"${secret:env:ADMIN_KEY}": "admin"}

	m := cfg.SecretManager()
	if err := cfg.ResolveSecrets(context.Background(), m); err != nil {
		t.Fatalf("failed to resolve secrets: %v", err)
	}

	if cfg.Alert.Override.Token != "123:abc" {
		t.Errorf("unexpected token %q", cfg.Alert.Override.Token)
	}
	if cfg.Mail.APIKey != "SG.key" {
		t.Errorf("unexpected mail key %q", cfg.Mail.APIKey)
	}
	if cfg.Probes.SQL.Datasources["crm"].DSN != "postgres://user:pw@crm/db" {
		t.Errorf("unexpected dsn %q", cfg.Probes.SQL.Datasources["crm"].DSN)
	}
	if cfg.Auth.Keys["admin-key"] != "admin" {
		t.Errorf("unexpected auth keys %v", cfg.Auth.Keys)
	}

	cfg.Mail.APIKey = "${secret:env:MISSING}"
	if err := cfg.ResolveSecrets(context.Background(), m); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestBreakerConfig_Probe(t *testing.T) {
	b := DefaultConfig().Probes.HTTP.Breaker.Probe()
	if b.FailureThreshold != 5 || b.OpenTimeout != time.Minute {
		t.Errorf("unexpected breaker %+v", b)
	}
}
