// Package config provides centralized configuration management for the
// export service. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Export   ExportConfig
	Storage  StorageConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 0,
	// exports answer only once the archive is uploaded)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RateLimit is the number of API requests per client per minute;
	// 0 disables rate limiting (default: 60)
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ExportConfig holds export pipeline settings.
type ExportConfig struct {
	// FetchSize is the number of rows per cursor round trip (default: 500)
	FetchSize int `env:"EXPORT_FETCH_SIZE" default:"500"`

	// MaxConcurrent is the maximum number of parallel exports; each holds
	// one database connection (default: 4)
	MaxConcurrent int `env:"EXPORT_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long to wait for an export slot (default: 30s)
	MaxWaitTime time.Duration `env:"EXPORT_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds a whole export request (default: 15m)
	Timeout time.Duration `env:"EXPORT_TIMEOUT" default:"15m"`

	// FailurePolicy decides whether finalize and upload failures are
	// returned: "swallow" or "surface" (default: swallow)
	FailurePolicy string `env:"EXPORT_FAILURE_POLICY" default:"swallow"`

	// KeyPrefix is prepended to generated destination keys (default: exports)
	KeyPrefix string `env:"EXPORT_KEY_PREFIX" default:"exports"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	// Backend is "badger" (embedded) or "s3" (default: badger)
	Backend string `env:"STORAGE_BACKEND" default:"badger"`

	// LinkTTL is how long signed links stay valid (default: 1h)
	LinkTTL time.Duration `env:"STORAGE_LINK_TTL" default:"1h"`

	// SigningSecret signs download links served by this process (badger)
	SigningSecret string `env:"STORAGE_SIGNING_SECRET"`

	// PublicBaseURL is the external prefix of the download route (badger)
	PublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" default:"http://localhost:8080/api/objects"`

	// BadgerPath is the embedded store directory (default: ./data/objects)
	BadgerPath string `env:"BADGER_PATH" default:"./data/objects"`

	// BadgerChunkSize is the stored chunk size in bytes (default: 1MiB)
	BadgerChunkSize int `env:"BADGER_CHUNK_SIZE" default:"1048576"`

	// BadgerRetention is how long exports are kept (default: 168h)
	BadgerRetention time.Duration `env:"BADGER_RETENTION" default:"168h"`

	// BadgerGCSchedule is the cron spec for value-log GC (default: @hourly)
	BadgerGCSchedule string `env:"BADGER_GC_SCHEDULE" default:"@hourly"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" default:"us-east-1"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3AccessKey string `env:"S3_ACCESS_KEY" envAlt:"AWS_ACCESS_KEY_ID"`
	S3SecretKey string `env:"S3_SECRET_KEY" envAlt:"AWS_SECRET_ACCESS_KEY"`
	S3UseSSL    bool   `env:"S3_USE_SSL" default:"true"`

	// S3PartSize is the multipart part size in bytes (default: 16MiB)
	S3PartSize uint64 `env:"S3_PART_SIZE" default:"16777216"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey rejects requests without a configured key (default: true)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"true"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`

	// AdminAPIKeys is a comma-separated list of keys whose exports are
	// unredacted
	AdminAPIKeys []string `env:"ADMIN_API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File, when set, also writes logs to a rotating file
	File string `env:"LOG_FILE"`

	// MaxSizeMB is the rotation size of File (default: 100)
	MaxSizeMB int `env:"LOG_MAX_SIZE_MB" default:"100"`

	// MaxBackups is the number of rotated files kept (default: 5)
	MaxBackups int `env:"LOG_MAX_BACKUPS" default:"5"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
