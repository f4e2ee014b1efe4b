// Package config loads and validates the audit ledger configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the LEDGER_ prefix (e.g., LEDGER_DATABASE_HOST
// overrides database.host in the YAML). The same binary runs with a config.yaml in
// local development and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Security      SecurityConfig      `mapstructure:"security"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Archives      ArchivesConfig      `mapstructure:"archives"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StorageConfig selects the object storage backend that holds export archives
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	// ServiceURL overrides the public endpoint (Azurite and sovereign clouds)
	ServiceURL string `mapstructure:"service_url"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and similar)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`

	// Authentication method: "default", "service_account", "workload_identity"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`

	// ProjectID is only needed when the bucket has to be created at startup
	ProjectID string `mapstructure:"project_id"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// AuthConfig holds identity token configuration.
// Tokens are issued elsewhere; the ledger only verifies them.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// DevMode enables the token minting endpoint. Never enable in production.
	DevMode bool `mapstructure:"dev_mode"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds the fixed-window budgets for each limit type
type RateLimitingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "memory" (per process) or "redis" (shared across replicas)
	Backend         string        `mapstructure:"backend"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	Auth             WindowConfig `mapstructure:"auth"`
	AuditIngest      WindowConfig `mapstructure:"audit_ingest"`
	AuditQuery       WindowConfig `mapstructure:"audit_query"`
	APIKeyManagement WindowConfig `mapstructure:"api_key_management"`
}

// WindowConfig is one fixed-window budget
type WindowConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// RedisConfig holds the connection used by the redis rate limiter backend
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// LedgerConfig holds query and export tuning
type LedgerConfig struct {
	// DemoAdminEmail is the single account that still sees demo-seeded events
	// when demo data is excluded.
	DemoAdminEmail  string `mapstructure:"demo_admin_email"`
	DefaultPageSize int    `mapstructure:"default_page_size"`
	MaxPageSize     int    `mapstructure:"max_page_size"`
	ExportBatchSize int    `mapstructure:"export_batch_size"`
	// MaxFilterValues caps repeated filter parameters such as action
	MaxFilterValues int `mapstructure:"max_filter_values"`
}

// NotificationsConfig configures the post-insert event fan-out
type NotificationsConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	QueueSize int             `mapstructure:"queue_size"`
	Workers   int             `mapstructure:"workers"`
	Shippers  []ShipperConfig `mapstructure:"shippers"`
}

// ShipperConfig holds configuration for a single notification shipper
type ShipperConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Type    string         `mapstructure:"type"` // webhook, file
	Webhook *WebhookConfig `mapstructure:"webhook"`
	File    *FileConfig    `mapstructure:"file"`
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ArchivesConfig configures asynchronous export archives
type ArchivesConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Workers    int           `mapstructure:"workers"`
	TempDir    string        `mapstructure:"temp_dir"`
	URLTTL     time.Duration `mapstructure:"url_ttl"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	// PollInterval is how often workers look for pending archives
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.service_url",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.gcs.project_id",
		"storage.local.base_path",

		// Auth
		"auth.jwt_secret",
		"auth.issuer",
		"auth.token_ttl",
		"auth.dev_mode",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.backend",
		"security.rate_limiting.cleanup_interval",
		"security.rate_limiting.auth.window",
		"security.rate_limiting.auth.max_requests",
		"security.rate_limiting.audit_ingest.window",
		"security.rate_limiting.audit_ingest.max_requests",
		"security.rate_limiting.audit_query.window",
		"security.rate_limiting.audit_query.max_requests",
		"security.rate_limiting.api_key_management.window",
		"security.rate_limiting.api_key_management.max_requests",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.key_prefix",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Ledger
		"ledger.demo_admin_email",
		"ledger.default_page_size",
		"ledger.max_page_size",
		"ledger.export_batch_size",
		"ledger.max_filter_values",

		// Notifications
		"notifications.enabled",
		"notifications.queue_size",
		"notifications.workers",

		// Archives
		"archives.enabled",
		"archives.workers",
		"archives.temp_dir",
		"archives.url_ttl",
		"archives.job_timeout",
		"archives.poll_interval",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audit-ledger")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	// Exports stream for as long as the client reads; 0 disables the write deadline.
	v.SetDefault("server.write_timeout", "0s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "audit_ledger")
	v.SetDefault("database.user", "ledger")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./archives")

	// Auth defaults
	v.SetDefault("auth.issuer", "audit-ledger")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.dev_mode", false)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.backend", "memory")
	v.SetDefault("security.rate_limiting.cleanup_interval", "1m")
	v.SetDefault("security.rate_limiting.auth.window", "15m")
	v.SetDefault("security.rate_limiting.auth.max_requests", 20)
	v.SetDefault("security.rate_limiting.audit_ingest.window", "1m")
	v.SetDefault("security.rate_limiting.audit_ingest.max_requests", 1000)
	v.SetDefault("security.rate_limiting.audit_query.window", "1m")
	v.SetDefault("security.rate_limiting.audit_query.max_requests", 120)
	v.SetDefault("security.rate_limiting.api_key_management.window", "1h")
	v.SetDefault("security.rate_limiting.api_key_management.max_requests", 30)
	v.SetDefault("security.tls.enabled", false)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "ledger:ratelimit:")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "audit-ledger")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Ledger defaults
	v.SetDefault("ledger.demo_admin_email", "demo@auditledger.dev")
	v.SetDefault("ledger.default_page_size", 50)
	v.SetDefault("ledger.max_page_size", 100)
	v.SetDefault("ledger.export_batch_size", 1000)
	v.SetDefault("ledger.max_filter_values", 50)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.queue_size", 1024)
	v.SetDefault("notifications.workers", 2)

	// Archives defaults
	v.SetDefault("archives.enabled", true)
	v.SetDefault("archives.workers", 2)
	v.SetDefault("archives.temp_dir", "")
	v.SetDefault("archives.url_ttl", "15m")
	v.SetDefault("archives.job_timeout", "30m")
	v.SetDefault("archives.poll_interval", "5s")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}
	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	rl := c.Security.RateLimiting
	if rl.Enabled {
		if rl.Backend != "memory" && rl.Backend != "redis" {
			return fmt.Errorf("invalid rate limiting backend: %s (must be memory or redis)", rl.Backend)
		}
		if rl.Backend == "redis" && c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when rate limiting backend is redis")
		}
		windows := map[string]WindowConfig{
			"auth":               rl.Auth,
			"audit_ingest":       rl.AuditIngest,
			"audit_query":        rl.AuditQuery,
			"api_key_management": rl.APIKeyManagement,
		}
		for name, w := range windows {
			if w.Window <= 0 {
				return fmt.Errorf("security.rate_limiting.%s.window must be positive", name)
			}
			if w.MaxRequests < 1 {
				return fmt.Errorf("security.rate_limiting.%s.max_requests must be at least 1", name)
			}
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Ledger.MaxPageSize < 1 {
		return fmt.Errorf("ledger.max_page_size must be at least 1")
	}
	if c.Ledger.DefaultPageSize < 1 || c.Ledger.DefaultPageSize > c.Ledger.MaxPageSize {
		return fmt.Errorf("ledger.default_page_size must be between 1 and %d", c.Ledger.MaxPageSize)
	}
	if c.Ledger.ExportBatchSize < 1 {
		return fmt.Errorf("ledger.export_batch_size must be at least 1")
	}

	if c.Notifications.Enabled {
		if c.Notifications.QueueSize < 1 {
			return fmt.Errorf("notifications.queue_size must be at least 1")
		}
		if c.Notifications.Workers < 1 {
			return fmt.Errorf("notifications.workers must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
