// Package config provides centralized configuration management for the
// import service. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Backend names accepted by the staging, lock and persist settings.
const (
	StagingMemory = "memory"
	StagingFS     = "fs"
	StagingSQLite = "sqlite"

	LockMemory   = "memory"
	LockPostgres = "postgres"

	PersistPostgres = "postgres"
	PersistNone     = "none"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Staging  StagingConfig
	Lock     LockConfig
	Preview  PreviewConfig
	Commit   CommitConfig
	Schema   SchemaConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request, body
	// included (default: 2m, uploads can be large)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"2m"`

	// WriteTimeout is the maximum duration for writing a response (default: 2m)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"2m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds the PostgreSQL connection used by the persister and
// the advisory lock.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Required when PERSIST_BACKEND
	// or LOCK_BACKEND is postgres. DB_URL is accepted for compatibility.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StagingConfig holds upload and snapshot storage settings.
type StagingConfig struct {
	// Backend stores sessions and artifacts: memory, fs or sqlite (default: fs)
	Backend string `env:"STAGING_BACKEND" default:"fs"`

	// Dir is the root of the fs backend (default: ./data/imports)
	Dir string `env:"STAGING_DIR" default:"./data/imports"`

	// SQLitePath is the database file of the sqlite backend (default: ./data/staging.db)
	SQLitePath string `env:"STAGING_SQLITE_PATH" default:"./data/staging.db"`

	// MaxFileSize is the maximum allowed upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"STAGING_MAX_FILE_SIZE" envAlt:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// AllowedExtensions lists accepted upload extensions (default: .csv)
	AllowedExtensions []string `env:"STAGING_ALLOWED_EXTENSIONS" default:".csv"`

	// MaxConcurrent is the maximum number of parallel stage calls (default: 5)
	MaxConcurrent int `env:"STAGING_MAX_CONCURRENT" envAlt:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for a stage slot (default: 30s)
	MaxWaitTime time.Duration `env:"STAGING_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds one parse, validate and stage call (default: 10m)
	Timeout time.Duration `env:"STAGING_TIMEOUT" default:"10m"`

	// ResponseErrorLimit caps the row errors returned by the upload call;
	// the full list stays available from the errors endpoint (default: 200)
	ResponseErrorLimit int `env:"STAGING_RESPONSE_ERROR_LIMIT" default:"200"`
}

// LockConfig holds commit lock settings.
type LockConfig struct {
	// Backend is memory (single process) or postgres (advisory locks) (default: memory)
	Backend string `env:"LOCK_BACKEND" default:"memory"`

	// Namespace prefixes every lock name (default: import)
	Namespace string `env:"LOCK_NAMESPACE" default:"import"`

	// Wait is how long a commit waits for the lock before lock_conflict (default: 5s)
	Wait time.Duration `env:"LOCK_WAIT" default:"5s"`

	// PollInterval is how often a held advisory lock is retried (default: 100ms)
	PollInterval time.Duration `env:"LOCK_POLL_INTERVAL" default:"100ms"`
}

// PreviewConfig holds pagination settings.
type PreviewConfig struct {
	// MaxPageSize is the largest accepted page size (default: 500)
	MaxPageSize int `env:"PREVIEW_MAX_PAGE_SIZE" default:"500"`
}

// CommitConfig holds commit settings.
type CommitConfig struct {
	// Persist is postgres or none; none stages and previews but refuses
	// commits with missing_dependency (default: postgres)
	Persist string `env:"PERSIST_BACKEND" default:"postgres"`

	// BatchSize is the number of rows per INSERT statement (default: 1000)
	BatchSize int `env:"COMMIT_BATCH_SIZE" default:"1000"`

	// BlockOnErrors refuses to commit imports with any row errors (default: false)
	BlockOnErrors bool `env:"COMMIT_BLOCK_ON_ERRORS" default:"false"`

	// CheckExistingKeys reports rows whose unique key already exists in the
	// target table at staging time when overwrite is off (default: true)
	CheckExistingKeys bool `env:"COMMIT_CHECK_EXISTING_KEYS" default:"true"`
}

// SchemaConfig selects the import schema.
type SchemaConfig struct {
	// Path is a YAML schema file; empty uses the built-in people schema
	Path string `env:"SCHEMA_PATH"`
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

// NeedsDatabase reports whether any configured backend uses PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.Lock.Backend == LockPostgres || c.Commit.Persist == PersistPostgres
}
