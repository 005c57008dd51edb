package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/idhub/pkg/httputil"
	"github.com/platinummonkey/idhub/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	BaseURL         string        `yaml:"base_url"` // public origin used for callback and ACS URLs
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminToken      string        `yaml:"admin_token"`
	// RateLimitPerMinute caps requests per client IP; 0 disables limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
	// TrustedProxies lists CIDRs or IPs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DatabaseConfig holds provider store configuration
type DatabaseConfig struct {
	Driver       string        `yaml:"driver"` // postgres, sqlite3 or memory
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate  bool          `yaml:"auto_migrate"`
	Seed         bool          `yaml:"seed"`
}

// RedisConfig holds the cross-replica invalidation settings
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// AuthConfig holds federation settings
type AuthConfig struct {
	SignInScheme        string        `yaml:"sign_in_scheme"`
	StateSigningKey     string        `yaml:"state_signing_key"`   // base64
	SessionSigningKey   string        `yaml:"session_signing_key"` // base64
	StateTTL            time.Duration `yaml:"state_ttl"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	AllowedReturnURLs   []string      `yaml:"allowed_return_urls"`
	OptionsCacheSize    int           `yaml:"options_cache_size"`
	OptionsCacheTTL     time.Duration `yaml:"options_cache_ttl"`
	MetadataRefreshSpec string        `yaml:"metadata_refresh_spec"`
}

// SecretsConfig holds the key sealing provider secrets at rest
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // base64, 32 bytes; empty stores secrets as-is
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           string `yaml:"log_level"`
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,

			RateLimitPerMinute: 300,
			RateLimitBurst:     30,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			URL:          "file:idhub.db?_foreign_keys=on",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			ConnMaxLife:  30 * time.Minute,
			AutoMigrate:  true,
		},
		Redis: RedisConfig{
			URL:     "redis://localhost:6379/0",
			Channel: "idhub:providers:invalidate",
		},
		Auth: AuthConfig{
			SignInScheme:        "idhub.session",
			StateTTL:            10 * time.Minute,
			SessionTTL:          8 * time.Hour,
			OptionsCacheSize:    512,
			OptionsCacheTTL:     time.Hour,
			MetadataRefreshSpec: "@every 1h",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "idhub",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by IDHUB_CONFIG_FILE, and IDHUB_* environment variables, in that order.
func LoadConfig() (*Config, error) {
	return loadFrom(os.Getenv("IDHUB_CONFIG_FILE"))
}

func loadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("IDHUB_HOST", s.Host)
	s.Port = getEnv("IDHUB_PORT", s.Port)
	s.BaseURL = strings.TrimRight(getEnv("IDHUB_BASE_URL", s.BaseURL), "/")
	s.ReadTimeout = getEnvDuration("IDHUB_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("IDHUB_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDHUB_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("IDHUB_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.AdminToken = getEnv("IDHUB_ADMIN_TOKEN", s.AdminToken)
	s.RateLimitPerMinute = getEnvInt("IDHUB_RATE_LIMIT_PER_MINUTE", s.RateLimitPerMinute)
	s.RateLimitBurst = getEnvInt("IDHUB_RATE_LIMIT_BURST", s.RateLimitBurst)
	s.TrustedProxies = getEnvList("IDHUB_TRUSTED_PROXIES", s.TrustedProxies)

	d := &c.Database
	d.Driver = getEnv("IDHUB_DB_DRIVER", d.Driver)
	d.URL = getEnv("IDHUB_DB_URL", d.URL)
	d.MaxOpenConns = getEnvInt("IDHUB_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("IDHUB_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLife = getEnvDuration("IDHUB_DB_CONN_MAX_LIFETIME", d.ConnMaxLife)
	d.AutoMigrate = getEnvBool("IDHUB_DB_AUTO_MIGRATE", d.AutoMigrate)
	d.Seed = getEnvBool("IDHUB_DB_SEED", d.Seed)

	r := &c.Redis
	r.Enabled = getEnvBool("IDHUB_REDIS_ENABLED", r.Enabled)
	r.URL = getEnv("IDHUB_REDIS_URL", r.URL)
	r.Channel = getEnv("IDHUB_REDIS_CHANNEL", r.Channel)

	a := &c.Auth
	a.SignInScheme = getEnv("IDHUB_SIGN_IN_SCHEME", a.SignInScheme)
	a.StateSigningKey = getEnv("IDHUB_STATE_SIGNING_KEY", a.StateSigningKey)
	a.SessionSigningKey = getEnv("IDHUB_SESSION_SIGNING_KEY", a.SessionSigningKey)
	a.StateTTL = getEnvDuration("IDHUB_STATE_TTL", a.StateTTL)
	a.SessionTTL = getEnvDuration("IDHUB_SESSION_TTL", a.SessionTTL)
	a.AllowedReturnURLs = getEnvList("IDHUB_ALLOWED_RETURN_URLS", a.AllowedReturnURLs)
	a.OptionsCacheSize = getEnvInt("IDHUB_OPTIONS_CACHE_SIZE", a.OptionsCacheSize)
	a.OptionsCacheTTL = getEnvDuration("IDHUB_OPTIONS_CACHE_TTL", a.OptionsCacheTTL)
	a.MetadataRefreshSpec = getEnv("IDHUB_METADATA_REFRESH", a.MetadataRefreshSpec)

	c.Secrets.EncryptionKey = getEnv("IDHUB_SECRETS_KEY", c.Secrets.EncryptionKey)

	o := &c.Observability
	o.LogLevel = getEnv("IDHUB_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("IDHUB_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("IDHUB_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("IDHUB_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("IDHUB_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("IDHUB_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("IDHUB_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	if _, err := httputil.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}
	base, err := url.Parse(c.Server.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL, got %q", c.Server.BaseURL)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres, sqlite3, or memory)", c.Database.Driver)
	}

	if c.Redis.Enabled && (c.Redis.URL == "" || c.Redis.Channel == "") {
		return fmt.Errorf("redis URL and channel are required when redis is enabled")
	}

	if c.Auth.SignInScheme == "" {
		return fmt.Errorf("sign-in scheme is required")
	}
	if c.Auth.StateTTL <= 0 || c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("state and session TTLs must be positive")
	}
	if c.Auth.OptionsCacheSize <= 0 {
		return fmt.Errorf("options cache size must be positive")
	}
	for _, name := range []string{"state", "session"} {
		key := c.Auth.StateSigningKey
		if name == "session" {
			key = c.Auth.SessionSigningKey
		}
		if key == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return fmt.Errorf("%s signing key is not valid base64: %w", name, err)
		}
		if len(raw) < 32 {
			return fmt.Errorf("%s signing key must be at least 32 bytes", name)
		}
	}
	if _, err := c.Secrets.Key(); err != nil {
		return err
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Key decodes the AES-256 sealing key; nil when sealing is disabled.
func (s SecretsConfig) Key() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets key is not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// DecodeKey returns the raw bytes of a base64 signing key, or nil if unset.
func DecodeKey(encoded string) []byte {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return nil
	}
	return raw
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTel converts the settings into an observability.OTelConfig
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
