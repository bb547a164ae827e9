package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.Schema == "" {
		errs = append(errs, "WAREHOUSE_SCHEMA must not be empty")
	}

	// State validation
	switch strings.ToLower(c.State.Driver) {
	case "postgres", "memory":
	case "sqlite":
		if c.State.SQLitePath == "" {
			errs = append(errs, "STATE_SQLITE_PATH is required when STATE_DRIVER=sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("STATE_DRIVER (%q) must be one of: postgres, sqlite, memory", c.State.Driver))
	}

	// REDCap validation
	if c.REDCap.URL != "" {
		if u, err := url.Parse(c.REDCap.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("REDCAP_API_URL (%q) is not a valid URL", c.REDCap.URL))
		}
	}
	if c.REDCap.Timeout <= 0 {
		errs = append(errs, "REDCAP_TIMEOUT must be positive")
	}
	if c.REDCap.RequestsPerSecond <= 0 {
		errs = append(errs, "REDCAP_REQUESTS_PER_SECOND must be positive")
	}
	if c.REDCap.Burst <= 0 {
		errs = append(errs, "REDCAP_BURST must be positive")
	}

	// Storage validation
	switch strings.ToLower(c.Storage.Driver) {
	case "fs", "memory":
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, "S3_BUCKET is required when STORAGE_DRIVER=s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_DRIVER (%q) must be one of: fs, s3, memory", c.Storage.Driver))
	}

	// Job validation
	if c.Job.MaxConcurrent <= 0 {
		errs = append(errs, "JOB_MAX_CONCURRENT must be positive")
	}
	if c.Job.MaxRetries <= 0 {
		errs = append(errs, "JOB_MAX_RETRIES must be positive")
	}
	if c.Job.RetryInitial <= 0 {
		errs = append(errs, "JOB_RETRY_INITIAL must be positive")
	}
	if c.Job.RetryMax < c.Job.RetryInitial {
		errs = append(errs, "JOB_RETRY_MAX must be >= JOB_RETRY_INITIAL")
	}
	if c.Job.RetryMultiplier < 1 {
		errs = append(errs, "JOB_RETRY_MULTIPLIER must be >= 1")
	}
	if c.Job.RetryJitter < 0 || c.Job.RetryJitter > 1 {
		errs = append(errs, "JOB_RETRY_JITTER must be between 0 and 1")
	}
	if c.Job.ExportTimeout <= 0 {
		errs = append(errs, "JOB_EXPORT_TIMEOUT must be positive")
	}
	if c.Job.LoadTimeout <= 0 {
		errs = append(errs, "JOB_LOAD_TIMEOUT must be positive")
	}
	if c.Job.ScheduleInterval <= 0 {
		errs = append(errs, "JOB_SCHEDULE_INTERVAL must be positive")
	}
	if c.Job.WindowAlign <= 0 {
		errs = append(errs, "JOB_WINDOW_ALIGN must be positive")
	}
	if c.Job.Lookback <= 0 {
		errs = append(errs, "JOB_LOOKBACK must be positive")
	}

	// Notify validation
	if c.Notify.WebhookURL != "" {
		if u, err := url.Parse(c.Notify.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "NOTIFY_WEBHOOK_URL is not a valid URL")
		}
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.RequireAPIKey && len(c.Server.APIKeys) == 0 {
		errs = append(errs, "API_KEYS is required when REQUIRE_API_KEY is true")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RequirePipeline checks the settings needed to export and load, which the
// field-names command does without.
func (c *Config) RequirePipeline() error {
	var errs []string
	if c.REDCap.URL == "" {
		errs = append(errs, "REDCAP_API_URL is required")
	}
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a safe string representation of the config for logging.
// Connection strings and webhook URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d, RequireAPIKey: %t, APIKeys: %d}, ",
		c.Server.Host, c.Server.Port, c.Server.RequireAPIKey, len(c.Server.APIKeys)))
	b.WriteString(fmt.Sprintf("Database: {URL: %s, Schema: %q, MaxConns: %d}, ",
		mask(c.Database.URL), c.Database.Schema, c.Database.MaxConns))
	b.WriteString(fmt.Sprintf("State: {Driver: %q}, ", c.State.Driver))
	b.WriteString(fmt.Sprintf("REDCap: {URL: %q, RequestsPerSecond: %d}, ", c.REDCap.URL, c.REDCap.RequestsPerSecond))
	b.WriteString(fmt.Sprintf("Storage: {Driver: %q, Root: %q, Bucket: %q}, ",
		c.Storage.Driver, c.Storage.Root, c.Storage.Bucket))
	b.WriteString(fmt.Sprintf("Job: {MaxConcurrent: %d, MaxRetries: %d, ScheduleInterval: %s}, ",
		c.Job.MaxConcurrent, c.Job.MaxRetries, c.Job.ScheduleInterval))
	b.WriteString(fmt.Sprintf("Notify: {WebhookURL: %s}, ", mask(c.Notify.WebhookURL)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return `""`
	}
	return "[MASKED]"
}
