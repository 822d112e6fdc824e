// Package config loads server and tool settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string. Empty means in-memory stores.
	// Environment variable: DATABASE_URL
	DatabaseURL string `koanf:"DATABASE_URL"`

	// Port the HTTP server listens on.
	// Environment variable: PORT
	Port string `koanf:"PORT"`

	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR, FATAL.
	// Environment variable: LOG_LEVEL
	LogLevel string `koanf:"LOG_LEVEL"`

	// RuleCacheTTL bounds how long a user's active rules are served from cache.
	// Zero disables expiry. Environment variable: RULE_CACHE_TTL
	RuleCacheTTL time.Duration `koanf:"RULE_CACHE_TTL"`

	// RequestTimeout caps each HTTP request.
	// Environment variable: REQUEST_TIMEOUT
	RequestTimeout time.Duration `koanf:"REQUEST_TIMEOUT"`

	// SlowRequest is the latency above which a request is counted as slow.
	// Environment variable: SLOW_REQUEST_THRESHOLD
	SlowRequest time.Duration `koanf:"SLOW_REQUEST_THRESHOLD"`

	// ImportPreviewRows is the default number of rows returned by an import preview.
	// Environment variable: IMPORT_PREVIEW_ROWS
	ImportPreviewRows int `koanf:"IMPORT_PREVIEW_ROWS"`

	// MetricsNamespace prefixes every exported metric.
	// Environment variable: METRICS_NAMESPACE
	MetricsNamespace string `koanf:"METRICS_NAMESPACE"`

	// DBConnectAttempts is how many times the initial connection is tried.
	// Environment variable: DB_CONNECT_ATTEMPTS
	DBConnectAttempts uint `koanf:"DB_CONNECT_ATTEMPTS"`
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Port:              "8080",
		LogLevel:          "INFO",
		RuleCacheTTL:      5 * time.Minute,
		RequestTimeout:    30 * time.Second,
		SlowRequest:       time.Second,
		ImportPreviewRows: 10,
		MetricsNamespace:  "finrules",
		DBConnectAttempts: 5,
	}
}

// Load reads the process environment over Default. Variables set to an
// empty string are ignored.
func Load() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.ProviderWithValue("", ".", skipEmpty), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return unmarshal(k)
}

func skipEmpty(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	return key, value
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.RuleCacheTTL < 0 {
		return fmt.Errorf("RULE_CACHE_TTL must not be negative, got %s", c.RuleCacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ImportPreviewRows < 1 {
		return fmt.Errorf("IMPORT_PREVIEW_ROWS must be at least 1, got %d", c.ImportPreviewRows)
	}
	if c.DBConnectAttempts < 1 {
		return fmt.Errorf("DB_CONNECT_ATTEMPTS must be at least 1, got %d", c.DBConnectAttempts)
	}
	return nil
}
