package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/platinummonkey/keygate/pkg/store/postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Store configuration
	Store postgres.Config

	// Redis configuration (optional, shared rate-limit counters)
	Redis RedisConfig

	// RateLimit configuration
	RateLimit RateLimitConfig

	// Pipeline configuration for the async usage/audit workers
	Pipeline PipelineConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds optional Redis settings
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

// RateLimitConfig holds rate limiter cache settings
type RateLimitConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// PipelineConfig holds buffer sizes for the async workers
type PipelineConfig struct {
	UsageBufferSize int
	AuditBufferSize int

	// UsageRetention bounds how long usage rows are kept before the
	// maintenance job prunes them
	UsageRetention time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Redis:         loadRedisConfig(),
		RateLimit:     loadRateLimitConfig(),
		Pipeline:      loadPipelineConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KEYGATE_HOST", "0.0.0.0"),
		Port:            getEnv("KEYGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KEYGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KEYGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("KEYGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KEYGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("KEYGATE_HEALTH_PORT", "9090"),
	}
}

// loadStoreConfig loads PostgreSQL configuration from environment
func loadStoreConfig() postgres.Config {
	cfg := postgres.DefaultConfig()

	if pgURL := getEnv("KEYGATE_POSTGRES_URL", ""); pgURL != "" {
		cfg.URL = pgURL
	}
	if maxConns := getEnvInt("KEYGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("KEYGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("KEYGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  getEnvBool("KEYGATE_REDIS_ENABLED", false),
		URL:      getEnv("KEYGATE_REDIS_URL", ""),
		Password: getEnv("KEYGATE_REDIS_PASSWORD", ""),
		DB:       getEnvInt("KEYGATE_REDIS_DB", 0),
		PoolSize: getEnvInt("KEYGATE_REDIS_POOL_SIZE", 0),
	}
}

// loadRateLimitConfig loads rate limiter cache settings from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		CacheSize: getEnvInt("KEYGATE_RATELIMIT_CACHE_SIZE", 8192),
		CacheTTL:  getEnvDuration("KEYGATE_RATELIMIT_CACHE_TTL", 30*time.Second),
	}
}

// loadPipelineConfig loads async pipeline settings from environment
func loadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		UsageBufferSize: getEnvInt("KEYGATE_USAGE_BUFFER_SIZE", 4096),
		AuditBufferSize: getEnvInt("KEYGATE_AUDIT_BUFFER_SIZE", 1024),
		UsageRetention:  getEnvDuration("KEYGATE_USAGE_RETENTION", 90*24*time.Hour),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("KEYGATE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("KEYGATE_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Store.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when redis is enabled")
	}

	if c.RateLimit.CacheSize <= 0 {
		return fmt.Errorf("rate limit cache size must be positive")
	}
	if c.RateLimit.CacheTTL <= 0 {
		return fmt.Errorf("rate limit cache TTL must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
