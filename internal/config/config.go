// Package config provides configuration management for moniwatch.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/moniwatch/moniwatch/internal/probe"
	"github.com/moniwatch/moniwatch/internal/secrets"
	"github.com/moniwatch/moniwatch/internal/tracing"
	"github.com/moniwatch/moniwatch/pkg/duration"
	"gopkg.in/yaml.v3"
)

// Duration is an alias for the shared duration.Duration type.
type Duration = duration.Duration

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MONIWATCH_"

// Config represents the complete moniwatch configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	ConfigStore ConfigStoreConfig `yaml:"config_store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Alert       AlertConfig       `yaml:"alert"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Probes      ProbesConfig      `yaml:"probes"`
	Mail        MailConfig        `yaml:"mail"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Tracing     tracing.Config    `yaml:"tracing"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Links       LinksConfig       `yaml:"links"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	HTTP           HTTPConfig `yaml:"http"`
	AllowedOrigins []string   `yaml:"allowed_origins"`
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	Address        string   `yaml:"address"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Storage backends.
const (
	BackendBadger = "badger"
	BackendSQL    = "sql"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// StorageConfig selects the job, log and push-record repository.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	// DatabaseURL is a sqlite:// or postgres:// URL for the sql backend.
	DatabaseURL string `yaml:"database_url"`
	Debug       bool   `yaml:"debug"`
}

// ConfigStoreConfig selects where chat groups and push templates live.
// An empty backend keeps them in the primary storage.
type ConfigStoreConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	RedisHash string `yaml:"redis_hash"`
}

// SchedulerConfig contains scheduler settings.
type SchedulerConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	PoolSize      int      `yaml:"pool_size"`
	FiringTimeout Duration `yaml:"firing_timeout"`
}

// AlertConfig contains Telegram alert settings.
type AlertConfig struct {
	TelegramAPIURL  string            `yaml:"telegram_api_url"`
	Timeout         Duration          `yaml:"timeout"`
	ChunkSize       int               `yaml:"chunk_size"`
	ClientCacheSize int               `yaml:"client_cache_size"`
	PlatformLabels  map[string]string `yaml:"platform_labels"`
	Override        OverrideConfig    `yaml:"override"`
}

// OverrideConfig routes every alert to one chat group when both fields
// are set.
type OverrideConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// Enabled reports whether the override is active.
func (o OverrideConfig) Enabled() bool {
	return o.Token != "" && o.ChatID != ""
}

// MatcherConfig tunes result comparison.
type MatcherConfig struct {
	LegacyEqual bool `yaml:"legacy_equal"`
}

// ProbesConfig configures the checked-system clients.
type ProbesConfig struct {
	HTTP    HTTPProbeConfig    `yaml:"http"`
	Elastic ElasticProbeConfig `yaml:"elastic"`
	SQL     SQLProbeConfig     `yaml:"sql"`
	Cert    CertProbeConfig    `yaml:"cert"`
}

// HTTPProbeConfig configures api job checks.
type HTTPProbeConfig struct {
	Timeout            Duration      `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	UserAgent          string        `yaml:"user_agent"`
	Breaker            BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures per-host circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int      `yaml:"failure_threshold"`
	SuccessThreshold    int      `yaml:"success_threshold"`
	OpenTimeout         Duration `yaml:"open_timeout"`
	MaxHalfOpenRequests int      `yaml:"max_half_open_requests"`
}

// ElasticProbeConfig configures elastic job checks.
type ElasticProbeConfig struct {
	Timeout  Duration                        `yaml:"timeout"`
	Default  string                          `yaml:"default"`
	Clusters map[string]probe.ElasticCluster `yaml:"clusters"`
}

// SQLProbeConfig configures sql and export job checks.
type SQLProbeConfig struct {
	Timeout     Duration                    `yaml:"timeout"`
	Datasources map[string]probe.Datasource `yaml:"datasources"`
}

// CertProbeConfig configures cert job checks.
type CertProbeConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// MailConfig contains SendGrid settings for mail pushes.
type MailConfig struct {
	APIKey   string `yaml:"api_key"`
	FromName string `yaml:"from_name"`
	FromAddr string `yaml:"from_addr"`
}

// Enabled reports whether mail pushes can be sent.
func (m MailConfig) Enabled() bool {
	return m.APIKey != "" && m.FromAddr != ""
}

// AuthConfig contains admin API authentication settings. Keys maps API
// keys to operator names.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"`
}

// RateLimitConfig contains per-client rate limit settings.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	EnvPrefix      string `yaml:"env_prefix"`
	FileDir        string `yaml:"file_dir"`
	KeyringService string `yaml:"keyring_service"`
}

// LinksConfig holds the admin UI base URL used in alert buttons.
type LinksConfig struct {
	BaseURL string `yaml:"base_url"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTP: HTTPConfig{
				Address:        "0.0.0.0:8080",
				ReadTimeout:    Duration(30 * time.Second),
				WriteTimeout:   Duration(60 * time.Second),
				RequestTimeout: Duration(60 * time.Second),
			},
		},
		Storage: StorageConfig{
			Backend: BackendBadger,
			DataDir: "./data",
		},
		ConfigStore: ConfigStoreConfig{
			RedisHash: "moniwatch:config",
		},
		Scheduler: SchedulerConfig{
			TickInterval:  Duration(time.Second),
			PoolSize:      10,
			FiringTimeout: Duration(10 * time.Minute),
		},
		Alert: AlertConfig{
			TelegramAPIURL:  "https://api.telegram.org",
			Timeout:         Duration(30 * time.Second),
			ChunkSize:       500,
			ClientCacheSize: 64,
		},
		Matcher: MatcherConfig{
			LegacyEqual: true,
		},
		Probes: ProbesConfig{
			HTTP: HTTPProbeConfig{
				Timeout:   Duration(30 * time.Second),
				UserAgent: "moniwatch-probe",
				Breaker: BreakerConfig{
					FailureThreshold:    5,
					SuccessThreshold:    1,
					OpenTimeout:         Duration(time.Minute),
					MaxHalfOpenRequests: 1,
				},
			},
			Elastic: ElasticProbeConfig{
				Timeout: Duration(30 * time.Second),
			},
			SQL: SQLProbeConfig{
				Timeout: Duration(time.Minute),
			},
			Cert: CertProbeConfig{
				Timeout: Duration(10 * time.Second),
			},
		},
		Mail: MailConfig{
			FromName: "moniwatch",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
			CleanupInterval:   Duration(time.Minute),
		},
		Tracing: tracing.DefaultConfig(),
		Secrets: SecretsConfig{
			KeyringService: "moniwatch",
		},
	}
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of the defaults, applies
// environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables but leaves ${secret:...}
// references for ResolveSecrets.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if strings.HasPrefix(key, "secret:") {
			return "${" + key + "}"
		}
		return os.Getenv(key)
	})
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(EnvPrefix + "HTTP_ADDRESS"); v != "" {
		c.Server.HTTP.Address = v
	}
	if v := os.Getenv(EnvPrefix + "STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_ADDR"); v != "" {
		c.ConfigStore.Backend = BackendRedis
		c.ConfigStore.RedisAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LINKS_BASE_URL"); v != "" {
		c.Links.BaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "ALERT_OVERRIDE_TOKEN"); v != "" {
		c.Alert.Override.Token = v
	}
	if v := os.Getenv(EnvPrefix + "ALERT_OVERRIDE_CHAT_ID"); v != "" {
		c.Alert.Override.ChatID = v
	}
	if v := os.Getenv(EnvPrefix + "SENDGRID_API_KEY"); v != "" {
		c.Mail.APIKey = v
	}
	if v := os.Getenv(EnvPrefix + "POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPOOL_SIZE: %w", EnvPrefix, err)
		}
		c.Scheduler.PoolSize = n
	}
	if v := os.Getenv(EnvPrefix + "LEGACY_EQUAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLEGACY_EQUAL: %w", EnvPrefix, err)
		}
		c.Matcher.LegacyEqual = b
	}
	if v := os.Getenv(EnvPrefix + "TRACING_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTP.Address == "" {
		return fmt.Errorf("server.http.address is required")
	}

	switch c.Storage.Backend {
	case BackendBadger:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the badger backend")
		}
	case BackendSQL:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the sql backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of badger, sql, memory", c.Storage.Backend)
	}

	switch c.ConfigStore.Backend {
	case "":
	case BackendRedis:
		if c.ConfigStore.RedisAddr == "" {
			return fmt.Errorf("config_store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config_store.backend %q is not redis", c.ConfigStore.Backend)
	}

	if c.Scheduler.PoolSize <= 0 {
		return fmt.Errorf("scheduler.pool_size must be positive")
	}
	if c.Alert.ClientCacheSize < 0 {
		return fmt.Errorf("alert.client_cache_size must not be negative")
	}
	if (c.Alert.Override.Token == "") != (c.Alert.Override.ChatID == "") {
		return fmt.Errorf("alert.override needs both token and chat_id")
	}

	for name, ds := range c.Probes.SQL.Datasources {
		switch ds.Driver {
		case "postgres", "mysql", "sqlite3":
		default:
			return fmt.Errorf("probes.sql.datasources.%s: unsupported driver %q", name, ds.Driver)
		}
		if ds.DSN == "" {
			return fmt.Errorf("probes.sql.datasources.%s: dsn is required", name)
		}
	}
	if d := c.Probes.Elastic.Default; d != "" {
		if _, ok := c.Probes.Elastic.Clusters[d]; !ok {
			return fmt.Errorf("probes.elastic.default names unknown cluster %q", d)
		}
	}

	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		return fmt.Errorf("auth.keys must not be empty when auth is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}
	return nil
}

// SecretManager builds the secret manager described by the secrets
// section. The env provider is always available.
func (c *Config) SecretManager() *secrets.Manager {
	m := secrets.NewManager(secrets.NewEnvProvider(c.Secrets.EnvPrefix))
	if c.Secrets.KeyringService != "" {
		_ = m.RegisterProvider(secrets.NewKeyringProvider(c.Secrets.KeyringService))
	}
	if c.Secrets.FileDir != "" {
		_ = m.RegisterProvider(secrets.NewFileProvider(c.Secrets.FileDir))
	}
	return m
}

// ResolveSecrets replaces ${secret:provider:key} references in every
// secret-bearing field.
func (c *Config) ResolveSecrets(ctx context.Context, m *secrets.Manager) error {
	fields := []*string{
		&c.Storage.DatabaseURL,
		&c.ConfigStore.RedisAddr,
		&c.Alert.Override.Token,
		&c.Mail.APIKey,
	}
	for name := range c.Probes.SQL.Datasources {
		ds := c.Probes.SQL.Datasources[name]
		if err := m.InjectInto(ctx, &ds.DSN); err != nil {
			return fmt.Errorf("probes.sql.datasources.%s: %w", name, err)
		}
		c.Probes.SQL.Datasources[name] = ds
	}
	for name := range c.Probes.Elastic.Clusters {
		cl := c.Probes.Elastic.Clusters[name]
		if err := m.InjectInto(ctx, &cl.Password, &cl.APIKey); err != nil {
			return fmt.Errorf("probes.elastic.clusters.%s: %w", name, err)
		}
		c.Probes.Elastic.Clusters[name] = cl
	}

	var errs []error
	if err := m.InjectInto(ctx, fields...); err != nil {
		errs = append(errs, err)
	}

	if len(c.Auth.Keys) > 0 {
		keys := make(map[string]string, len(c.Auth.Keys))
		for key, operator := range c.Auth.Keys {
			resolved, err := m.InjectSecrets(ctx, key)
			if err != nil {
				errs = append(errs, fmt.Errorf("auth.keys: %w", err))
				continue
			}
			keys[resolved] = operator
		}
		c.Auth.Keys = keys
	}
	return errors.Join(errs...)
}

// Probe converts the breaker section for the HTTP probe.
func (b BreakerConfig) Probe() probe.BreakerConfig {
	return probe.BreakerConfig{
		FailureThreshold:    b.FailureThreshold,
		SuccessThreshold:    b.SuccessThreshold,
		OpenTimeout:         b.OpenTimeout.Std(),
		MaxHalfOpenRequests: b.MaxHalfOpenRequests,
	}
}
