package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Typesense TypesenseConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	OTEL      OTELConfig
	Engine    EngineConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	Env            string
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// TypesenseConfig holds the search provider backend configuration
type TypesenseConfig struct {
	URL        string
	APIKey     string
	Collection string
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	RateLimitRPM   int
	RateLimitBurst int
}

// AnthropicConfig holds Anthropic Messages API configuration
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// EngineConfig holds orchestration engine tuning
type EngineConfig struct {
	Workers                int
	CoordinationBackend    string
	DatasetBackend         string
	HeartbeatSweepInterval time.Duration
	HeartbeatTimeout       time.Duration
	MetricsInterval        time.Duration
	LockCleanupInterval    time.Duration
	FailureRetention       time.Duration
	ParentPollInterval     time.Duration
	RowTimeout             time.Duration
	MaxAgentWorkload       int
	BreakerThreshold       int
	BreakerCooldown        time.Duration
	MaxRetries             int
	LanguageProviderID     string
	SearchProviderID       string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Env:            getEnv("APP_ENV", "production"),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "enrichswarm"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 0),
		},
		Typesense: TypesenseConfig{
			URL:        getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey:     getEnv("TYPESENSE_API_KEY", "xyz"),
			Collection: getEnv("TYPESENSE_COLLECTION", "web_documents"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
		},
		Anthropic: AnthropicConfig{
			APIKey:    getEnv("ANTHROPIC_API_KEY", ""),
			Model:     getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			BaseURL:   getEnv("ANTHROPIC_BASE_URL", ""),
			MaxTokens: getEnvAsInt("ANTHROPIC_MAX_TOKENS", 1024),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "enrichswarm"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Engine: EngineConfig{
			Workers:                getEnvAsInt("ENGINE_WORKERS", 4),
			CoordinationBackend:    getEnv("ENGINE_COORDINATION_BACKEND", "redis"),
			DatasetBackend:         getEnv("ENGINE_DATASET_BACKEND", "postgres"),
			HeartbeatSweepInterval: getEnvAsDuration("ENGINE_HEARTBEAT_SWEEP_INTERVAL", 10*time.Second),
			HeartbeatTimeout:       getEnvAsDuration("ENGINE_HEARTBEAT_TIMEOUT", 30*time.Second),
			MetricsInterval:        getEnvAsDuration("ENGINE_METRICS_INTERVAL", 30*time.Second),
			LockCleanupInterval:    getEnvAsDuration("ENGINE_LOCK_CLEANUP_INTERVAL", time.Minute),
			FailureRetention:       getEnvAsDuration("ENGINE_FAILURE_RETENTION", 24*time.Hour),
			ParentPollInterval:     getEnvAsDuration("ENGINE_PARENT_POLL_INTERVAL", 2*time.Second),
			RowTimeout:             getEnvAsDuration("ENGINE_ROW_TIMEOUT", 2*time.Minute),
			MaxAgentWorkload:       getEnvAsInt("ENGINE_MAX_AGENT_WORKLOAD", 5),
			BreakerThreshold:       getEnvAsInt("ENGINE_BREAKER_THRESHOLD", 5),
			BreakerCooldown:        getEnvAsDuration("ENGINE_BREAKER_COOLDOWN", 60*time.Second),
			MaxRetries:             getEnvAsInt("ENGINE_MAX_RETRIES", 3),
			LanguageProviderID:     getEnv("ENGINE_LANGUAGE_PROVIDER", "openai"),
			SearchProviderID:       getEnv("ENGINE_SEARCH_PROVIDER", "typesense"),
		},
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects engine settings the orchestration loops cannot run with
func (c *EngineConfig) Validate() error {
	if c.Workers < 1 {
		return apperrors.NewValidationError("ENGINE_WORKERS must be at least 1")
	}
	if c.MaxAgentWorkload < 1 {
		return apperrors.NewValidationError("ENGINE_MAX_AGENT_WORKLOAD must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return apperrors.NewValidationError("ENGINE_BREAKER_THRESHOLD must be at least 1")
	}
	if c.MaxRetries < 0 {
		return apperrors.NewValidationError("ENGINE_MAX_RETRIES must not be negative")
	}
	switch c.CoordinationBackend {
	case "memory", "redis":
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown coordination backend %q", c.CoordinationBackend))
	}
	switch c.DatasetBackend {
	case "memory", "postgres":
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown dataset backend %q", c.DatasetBackend))
	}
	for name, d := range map[string]time.Duration{
		"ENGINE_HEARTBEAT_SWEEP_INTERVAL": c.HeartbeatSweepInterval,
		"ENGINE_HEARTBEAT_TIMEOUT":        c.HeartbeatTimeout,
		"ENGINE_METRICS_INTERVAL":         c.MetricsInterval,
		"ENGINE_LOCK_CLEANUP_INTERVAL":    c.LockCleanupInterval,
		"ENGINE_PARENT_POLL_INTERVAL":     c.ParentPollInterval,
	} {
		if d <= 0 {
			return apperrors.NewValidationError(name + " must be positive")
		}
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
