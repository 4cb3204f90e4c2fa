package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}

	return cfg, nil
}

// LoadEnv reads configuration from environment variables without
// validating it, for callers that apply their own overrides first.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, errors.Wrap(err, "config load")
	}
	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

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

		// Primary env var first, then the alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		if value == "" {
			if required {
				return errors.Newf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return errors.Wrapf(err, "invalid value for %s=%q", envName, value)
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
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return errors.Wrap(err, "invalid duration")
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errors.Wrap(err, "invalid integer")
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, "invalid boolean")
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return errors.Newf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Database
	if c.NeedsDatabase() && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required when LOCK_BACKEND or PERSIST_BACKEND is postgres")
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	// Staging
	switch c.Staging.Backend {
	case StagingMemory:
	case StagingFS:
		if c.Staging.Dir == "" {
			errs = append(errs, "STAGING_DIR is required when STAGING_BACKEND is fs")
		}
	case StagingSQLite:
		if c.Staging.SQLitePath == "" {
			errs = append(errs, "STAGING_SQLITE_PATH is required when STAGING_BACKEND is sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("STAGING_BACKEND (%q) must be one of: memory, fs, sqlite", c.Staging.Backend))
	}
	if c.Staging.MaxFileSize <= 0 {
		errs = append(errs, "STAGING_MAX_FILE_SIZE must be positive")
	}
	if len(c.Staging.AllowedExtensions) == 0 {
		errs = append(errs, "STAGING_ALLOWED_EXTENSIONS must list at least one extension")
	}
	if c.Staging.MaxConcurrent <= 0 {
		errs = append(errs, "STAGING_MAX_CONCURRENT must be positive")
	}
	if c.Staging.MaxWaitTime <= 0 {
		errs = append(errs, "STAGING_MAX_WAIT_TIME must be positive")
	}
	if c.Staging.Timeout <= 0 {
		errs = append(errs, "STAGING_TIMEOUT must be positive")
	}
	if c.Staging.ResponseErrorLimit < 0 {
		errs = append(errs, "STAGING_RESPONSE_ERROR_LIMIT must be non-negative")
	}

	// Lock
	if c.Lock.Backend != LockMemory && c.Lock.Backend != LockPostgres {
		errs = append(errs, fmt.Sprintf("LOCK_BACKEND (%q) must be one of: memory, postgres", c.Lock.Backend))
	}
	if c.Lock.Namespace == "" {
		errs = append(errs, "LOCK_NAMESPACE must not be empty")
	}
	if c.Lock.Wait < 0 {
		errs = append(errs, "LOCK_WAIT must be non-negative")
	}
	if c.Lock.PollInterval <= 0 {
		errs = append(errs, "LOCK_POLL_INTERVAL must be positive")
	}

	// Preview
	if c.Preview.MaxPageSize <= 0 {
		errs = append(errs, "PREVIEW_MAX_PAGE_SIZE must be positive")
	}

	// Commit
	if c.Commit.Persist != PersistPostgres && c.Commit.Persist != PersistNone {
		errs = append(errs, fmt.Sprintf("PERSIST_BACKEND (%q) must be one of: postgres, none", c.Commit.Persist))
	}
	if c.Commit.BatchSize <= 0 {
		errs = append(errs, "COMMIT_BATCH_SIZE must be positive")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Newf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// The database URL is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	url := ""
	if c.Database.URL != "" {
		url = "[MASKED]"
	}
	fmt.Fprintf(&b, "Database: {URL: %s, MaxConns: %d, MinConns: %d}, ", url, c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Staging: {Backend: %q, MaxFileSize: %d, MaxConcurrent: %d}, ",
		c.Staging.Backend, c.Staging.MaxFileSize, c.Staging.MaxConcurrent)
	fmt.Fprintf(&b, "Lock: {Backend: %q, Wait: %s}, ", c.Lock.Backend, c.Lock.Wait)
	fmt.Fprintf(&b, "Commit: {Persist: %q, BlockOnErrors: %v}, ", c.Commit.Persist, c.Commit.BlockOnErrors)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
