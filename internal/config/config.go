// Package config provides centralized configuration management for feedloader.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
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
	Redis    RedisConfig
	Pipeline PipelineConfig
	Archive  ArchiveConfig
	Mapping  MappingConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds the wait for running operations on shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// MaxUploadSize is the largest accepted import file in bytes (default: 100MB)
	MaxUploadSize int64 `env:"SERVER_MAX_UPLOAD_SIZE" default:"104857600"`

	// TrustedProxies are CIDRs whose X-Real-IP and X-Forwarded-For headers
	// are believed. Comma-separated, empty trusts nobody.
	TrustedProxies []string `env:"SERVER_TRUSTED_PROXIES"`

	// RateLimit is the number of imports and exports a client may start
	// per minute; 0 disables the limit (default: 100)
	RateLimit int `env:"SERVER_RATE_LIMIT" default:"100"`
}

// DatabaseConfig holds database connection settings. Commands that need the
// database check URL through RequireDatabase; dry runs work without it.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig holds the operation status store settings. Without an
// address, statuses live in memory only.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envAlt:"REDIS_URL"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`

	// KeyPrefix is prepended to every status key.
	KeyPrefix string `env:"REDIS_KEY_PREFIX" default:"feedloader:operations:"`

	// StatusTTL is how long finished operations stay queryable (default: 24h)
	StatusTTL time.Duration `env:"REDIS_STATUS_TTL" default:"24h"`

	Timeout time.Duration `env:"REDIS_TIMEOUT" default:"5s"`
}

// PipelineConfig holds import and export processing settings.
type PipelineConfig struct {
	// Workers is the number of operations that run at once (default: 4)
	Workers int `env:"PIPELINE_WORKERS" default:"4"`

	// QueueSize is how many operations may wait for a worker (default: 64)
	QueueSize int `env:"PIPELINE_QUEUE_SIZE" default:"64"`

	// MaxWaitTime is how long a queued operation waits for a worker (default: 30s)
	MaxWaitTime time.Duration `env:"PIPELINE_MAX_WAIT_TIME" default:"30s"`

	// ChunkSize is the number of records read per chunk (default: 500)
	ChunkSize int `env:"PIPELINE_CHUNK_SIZE" default:"500"`

	// BatchSize is the number of records written per sub-batch (default: 1000)
	BatchSize int `env:"PIPELINE_BATCH_SIZE" default:"1000"`

	// Timeout bounds a single operation (default: 30m)
	Timeout time.Duration `env:"PIPELINE_TIMEOUT" default:"30m"`

	// ThrottleRecords and ThrottlePercent bound how often progress is
	// persisted (default: every 5000 records or 5%)
	ThrottleRecords int `env:"PIPELINE_THROTTLE_RECORDS" default:"5000"`
	ThrottlePercent int `env:"PIPELINE_THROTTLE_PERCENT" default:"5"`

	// Retention is how long finished operations stay in memory (default: 5m)
	Retention time.Duration `env:"PIPELINE_RETENTION" default:"5m"`

	// UploadDir receives uploaded import files (default: the system temp dir)
	UploadDir string `env:"PIPELINE_UPLOAD_DIR"`

	// ExportDir receives export output (default: exports)
	ExportDir string `env:"PIPELINE_EXPORT_DIR" default:"exports"`
}

// Archive backends.
const (
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// ArchiveConfig holds settings for keeping import source files.
type ArchiveConfig struct {
	// Backend is local or s3 (default: local)
	Backend string `env:"ARCHIVE_BACKEND" default:"local"`

	// Dir is the local archive root (default: archive)
	Dir string `env:"ARCHIVE_DIR" default:"archive"`

	Bucket string `env:"ARCHIVE_S3_BUCKET"`
	Prefix string `env:"ARCHIVE_S3_PREFIX" default:"imports"`
	Region string `env:"ARCHIVE_S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`

	// Endpoint overrides the S3 endpoint, for MinIO or LocalStack.
	Endpoint     string `env:"ARCHIVE_S3_ENDPOINT"`
	UsePathStyle bool   `env:"ARCHIVE_S3_PATH_STYLE" default:"false"`

	// Static credentials; the default AWS chain is used when unset.
	AccessKeyID     string `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_S3_SECRET_ACCESS_KEY"`

	UploadTimeout time.Duration `env:"ARCHIVE_UPLOAD_TIMEOUT" default:"5m"`
}

// MappingConfig holds mapping table settings.
type MappingConfig struct {
	// File is an optional YAML file of extra mapping tables.
	File string `env:"MAPPING_FILE"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
