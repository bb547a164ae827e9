// Package config provides centralized configuration management for the application.
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
	State    StateConfig
	REDCap   REDCapConfig
	Storage  StorageConfig
	Job      JobConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
	Catalog  CatalogConfig
}

// ServerConfig holds HTTP server settings for the serve command.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`

	// RequireAPIKey guards POST /api/runs with the X-API-Key header (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// DatabaseConfig holds warehouse connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string of the target warehouse.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// Schema holds the per-instrument target tables (default: redcap)
	Schema string `env:"WAREHOUSE_SCHEMA" default:"redcap"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StateConfig selects where loaded keys, unit status and snapshots persist.
type StateConfig struct {
	// Driver is postgres, sqlite or memory (default: postgres)
	Driver string `env:"STATE_DRIVER" default:"postgres"`

	// SQLitePath is the database file for the sqlite driver (default: redcap-etl.db)
	SQLitePath string `env:"STATE_SQLITE_PATH" default:"redcap-etl.db"`
}

// REDCapConfig holds API client settings. Tokens are per project and come
// from the variable named in the project catalog.
type REDCapConfig struct {
	// URL is the REDCap API endpoint, e.g. https://redcap.example.edu/api/
	URL string `env:"REDCAP_API_URL" envAlt:"REDCAP_URL"`

	// Timeout bounds one export request (default: 5m)
	Timeout time.Duration `env:"REDCAP_TIMEOUT" default:"5m"`

	// RequestsPerSecond throttles API calls across all units (default: 2)
	RequestsPerSecond int `env:"REDCAP_REQUESTS_PER_SECOND" default:"2"`

	// Burst is the number of requests allowed above the rate (default: 1)
	Burst int `env:"REDCAP_BURST" default:"1"`
}

// StorageConfig selects the raw export archive.
type StorageConfig struct {
	// Driver is fs, s3 or memory (default: fs)
	Driver string `env:"STORAGE_DRIVER" default:"fs"`

	// Root is the export directory (fs) or key prefix (s3) (default: exports)
	Root string `env:"EXPORT_ROOT" default:"exports"`

	// Bucket is the S3 bucket for the s3 driver
	Bucket string `env:"S3_BUCKET"`

	// Region is the AWS region for the s3 driver (default: us-east-1)
	Region string `env:"S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`

	// Endpoint overrides the S3 endpoint (MinIO, localstack)
	Endpoint string `env:"S3_ENDPOINT"`

	// UsePathStyle addresses buckets by path instead of subdomain (default: false)
	UsePathStyle bool `env:"S3_USE_PATH_STYLE" default:"false"`
}

// JobConfig holds orchestrator settings.
type JobConfig struct {
	// MaxConcurrent is the number of load units run in parallel (default: 4)
	MaxConcurrent int `env:"JOB_MAX_CONCURRENT" default:"4"`

	// MaxRetries is the number of attempts per unit before it fails (default: 4)
	MaxRetries int `env:"JOB_MAX_RETRIES" default:"4"`

	// RetryInitial is the first backoff interval (default: 3s)
	RetryInitial time.Duration `env:"JOB_RETRY_INITIAL" default:"3s"`

	// RetryMax caps the backoff interval (default: 2m)
	RetryMax time.Duration `env:"JOB_RETRY_MAX" default:"2m"`

	// RetryMultiplier grows the interval after each attempt (default: 2)
	RetryMultiplier float64 `env:"JOB_RETRY_MULTIPLIER" default:"2"`

	// RetryJitter randomizes each interval by this factor (default: 0.5)
	RetryJitter float64 `env:"JOB_RETRY_JITTER" default:"0.5"`

	// ExportTimeout bounds one REDCap export inside a unit (default: 5m)
	ExportTimeout time.Duration `env:"JOB_EXPORT_TIMEOUT" default:"5m"`

	// LoadTimeout bounds one warehouse load inside a unit (default: 2m)
	LoadTimeout time.Duration `env:"JOB_LOAD_TIMEOUT" default:"2m"`

	// ScheduleInterval is how often serve runs the scheduled job (default: 24h)
	ScheduleInterval time.Duration `env:"JOB_SCHEDULE_INTERVAL" default:"24h"`

	// WindowAlign truncates the scheduled window end (default: 1h)
	WindowAlign time.Duration `env:"JOB_WINDOW_ALIGN" default:"1h"`

	// Lookback is the length of the scheduled window (default: 24h)
	Lookback time.Duration `env:"JOB_LOOKBACK" default:"24h"`

	// History is how many finished runs the status API keeps (default: 50)
	History int `env:"JOB_HISTORY" default:"50"`
}

// NotifyConfig holds operator notification settings. With no webhook URL,
// summaries are only logged.
type NotifyConfig struct {
	// WebhookURL receives the run summary as JSON
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL"`

	// Timeout bounds one delivery attempt (default: 10s)
	Timeout time.Duration `env:"NOTIFY_TIMEOUT" default:"10s"`

	// RetryMax is the number of delivery retries (default: 3)
	RetryMax int `env:"NOTIFY_RETRY_MAX" default:"3"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// CatalogConfig points at the project catalog and field map.
type CatalogConfig struct {
	// ProjectsFile is the YAML project catalog (default: projects.yaml)
	ProjectsFile string `env:"CATALOG_PROJECTS" default:"projects.yaml"`

	// FieldMapFile is the field mapping CSV (default: field_map.csv)
	FieldMapFile string `env:"CATALOG_FIELD_MAP" default:"field_map.csv"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}
