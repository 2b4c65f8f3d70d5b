// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL selects Postgres; when empty the
	// collector falls back to the embedded SQLite store at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Ingest auth settings. Clients exchange one of IngestKeys for a
	// short-lived bearer token. An empty key list disables auth.
	JWTSecret       string
	TokenExpiration time.Duration
	IngestKeys      []string

	// OTEL settings for the collector's own telemetry.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// MCP settings.
	MCPEnabled bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	ShutdownHTTPTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than one at a time.
func Load() (Config, error) {
	var errs []error

	intVal := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVal := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                intVal("ASHIATO_PORT", 8080),
		ReadTimeout:         durVal("ASHIATO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVal("ASHIATO_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("ASHIATO_SQLITE_PATH", "ashiato.db"),
		JWTSecret:           envStr("ASHIATO_JWT_SECRET", ""),
		TokenExpiration:     durVal("ASHIATO_TOKEN_EXPIRATION", 24*time.Hour),
		IngestKeys:          envList("ASHIATO_INGEST_KEYS"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "ashiato"),
		OTELInsecure:        boolVal("OTEL_EXPORTER_OTLP_INSECURE", false),
		MCPEnabled:          boolVal("ASHIATO_MCP_ENABLED", true),
		LogLevel:            envStr("ASHIATO_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(intVal("ASHIATO_MAX_REQUEST_BODY_BYTES", 4*1024*1024)), // 4 MB default
		ShutdownHTTPTimeout: durVal("ASHIATO_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if len(c.IngestKeys) > 0 && c.JWTSecret == "" {
		return fmt.Errorf("config: ASHIATO_JWT_SECRET is required when ASHIATO_INGEST_KEYS is set")
	}
	if c.TokenExpiration <= 0 {
		return fmt.Errorf("config: ASHIATO_TOKEN_EXPIRATION must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: ASHIATO_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// AuthEnabled reports whether span ingest requires bearer tokens.
func (c Config) AuthEnabled() bool {
	return len(c.IngestKeys) > 0
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
