package config

import (
	"fmt"
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

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// normalize lowercases enumerated settings so callers can compare them
// with plain string equality.
func (c *Config) normalize() {
	c.Export.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Export.FailurePolicy))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
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

		// Get tags
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

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
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

	case reflect.Uint, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer: %w", err)
		}
		field.SetUint(u)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
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
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
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

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "RATE_LIMIT_PER_MINUTE must be non-negative")
	}

	// Export validation
	if c.Export.FetchSize <= 0 {
		errs = append(errs, "EXPORT_FETCH_SIZE must be positive")
	}
	if c.Export.MaxConcurrent <= 0 {
		errs = append(errs, "EXPORT_MAX_CONCURRENT must be positive")
	}
	if c.Export.MaxConcurrent > c.Database.MaxConns {
		errs = append(errs, fmt.Sprintf("EXPORT_MAX_CONCURRENT (%d) must be <= DB_MAX_CONNS (%d); every export holds a connection",
			c.Export.MaxConcurrent, c.Database.MaxConns))
	}
	if c.Export.MaxWaitTime <= 0 {
		errs = append(errs, "EXPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Export.Timeout <= 0 {
		errs = append(errs, "EXPORT_TIMEOUT must be positive")
	}
	switch strings.ToLower(c.Export.FailurePolicy) {
	case "swallow", "surface":
	default:
		errs = append(errs, fmt.Sprintf("EXPORT_FAILURE_POLICY (%q) must be one of: swallow, surface", c.Export.FailurePolicy))
	}

	// Storage validation
	if c.Storage.LinkTTL <= 0 {
		errs = append(errs, "STORAGE_LINK_TTL must be positive")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "badger":
		if len(c.Storage.SigningSecret) < 16 {
			errs = append(errs, "STORAGE_SIGNING_SECRET must be at least 16 characters for the badger backend")
		}
		if c.Storage.PublicBaseURL == "" {
			errs = append(errs, "STORAGE_PUBLIC_BASE_URL is required for the badger backend")
		}
		if c.Storage.BadgerPath == "" {
			errs = append(errs, "BADGER_PATH is required for the badger backend")
		}
		if c.Storage.BadgerChunkSize <= 0 {
			errs = append(errs, "BADGER_CHUNK_SIZE must be positive")
		}
		if c.Storage.BadgerRetention <= 0 {
			errs = append(errs, "BADGER_RETENTION must be positive")
		}
	case "s3":
		if c.Storage.S3Endpoint == "" {
			errs = append(errs, "S3_ENDPOINT is required for the s3 backend")
		}
		if c.Storage.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required for the s3 backend")
		}
		if c.Storage.S3PartSize < 5<<20 {
			errs = append(errs, "S3_PART_SIZE must be at least 5MiB")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND (%q) must be one of: badger, s3", c.Storage.Backend))
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 && len(c.Security.AdminAPIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS and ADMIN_API_KEYS are empty; configure at least one API key or disable auth")
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

// String returns a safe string representation of the config for logging.
// Database URLs, secrets and keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Export: {FetchSize: %d, MaxConcurrent: %d, FailurePolicy: %q}, ",
		c.Export.FetchSize, c.Export.MaxConcurrent, c.Export.FailurePolicy)
	fmt.Fprintf(&b, "Storage: {Backend: %q, LinkTTL: %s, Bucket: %q, SigningSecret: [MASKED]}, ",
		c.Storage.Backend, c.Storage.LinkTTL, c.Storage.S3Bucket)
	fmt.Fprintf(&b, "Security: {RequireAPIKey: %v, APIKeys: %d, AdminAPIKeys: %d}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys), len(c.Security.AdminAPIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
