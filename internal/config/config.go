package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the service configuration. Every field comes from the
// environment; unset variables fall back to the defaults below.
type Config struct {
	Host string
	Port string

	ModelPath         string
	MetadataPath      string
	SharedLibraryPath string
	ResizeFilter      string

	CORSOrigin     string
	MaxUploadBytes int64
	MaxImagePixels int

	DatabaseURL string
	DatasetRoot string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	SearchDefaultK int

	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv and validates it.
func LoadFrom(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	root := projectRoot()

	cfg := &Config{
		Host:              get("HOST", "0.0.0.0"),
		Port:              get("PORT", "5001"),
		ModelPath:         get("MODEL_PATH", filepath.Join(root, "models", "mobilenet_v2.onnx")),
		MetadataPath:      get("METADATA_PATH", filepath.Join(root, "models", "mobilenet_v2_metadata.json")),
		SharedLibraryPath: getenv("ORT_LIBRARY_PATH"),
		ResizeFilter:      getenv("RESIZE_FILTER"),
		CORSOrigin:        get("CORS_ORIGIN", "http://localhost:5173"),
		DatabaseURL:       getenv("DATABASE_URL"),
		DatasetRoot:       getenv("DATASET_ROOT"),
		RedisAddr:         getenv("REDIS_ADDR"),
		RedisPassword:     getenv("REDIS_PASSWORD"),
		LogLevel:          get("LOG_LEVEL", "info"),
		LogFormat:         get("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.MaxUploadBytes, err = strconv.ParseInt(get("MAX_UPLOAD_BYTES", "10485760"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
	}
	if cfg.MaxImagePixels, err = strconv.Atoi(get("MAX_IMAGE_PIXELS", "89478485")); err != nil {
		return nil, fmt.Errorf("invalid MAX_IMAGE_PIXELS: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(get("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.CacheTTL, err = time.ParseDuration(get("CACHE_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}
	if cfg.RateLimitRPS, err = strconv.ParseFloat(get("RATE_LIMIT_RPS", "0"), 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(get("RATE_LIMIT_BURST", "10")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}
	if cfg.SearchDefaultK, err = strconv.Atoi(get("SEARCH_DEFAULT_K", "5")); err != nil {
		return nil, fmt.Errorf("invalid SEARCH_DEFAULT_K: %w", err)
	}
	if cfg.ShutdownTimeout, err = time.ParseDuration(get("SHUTDOWN_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.ModelPath == "" || c.MetadataPath == "" {
		return fmt.Errorf("MODEL_PATH and METADATA_PATH are required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CACHE_TTL cannot be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS cannot be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is on")
	}
	if c.SearchDefaultK < 1 || c.SearchDefaultK > MaxSearchK {
		return fmt.Errorf("SEARCH_DEFAULT_K must be between 1 and %d", MaxSearchK)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// MaxSearchK bounds the number of neighbours a search may ask for.
const MaxSearchK = 100

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// PersistenceEnabled reports whether a database is configured.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// CacheEnabled reports whether a Redis feature cache is configured.
func (c *Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

// projectRoot resolves the directory holding models/. When started from
// cmd/<binary> it walks up two levels.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "..", "..")
	}
	return wd
}
