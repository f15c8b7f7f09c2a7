package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the bot core.
type Config struct {
	Port        int
	Version     string
	SuperuserID string

	Database  DatabaseConfig
	LLM       LLMConfig
	Limits    LimitsConfig
	Objects   ObjectsConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

// RetentionConfig configures the background purge of old exchange and
// audit rows.
type RetentionConfig struct {
	Interval     time.Duration
	ExchangeDays int
	AuditDays    int
}

type DatabaseConfig struct {
	// URL empty means run on the in-memory store.
	URL            string
	MaxConnections int
}

// LLMConfig configures the gateway to the model provider.
type LLMConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration

	// Contact shown to users who exhaust their quota.
	SupportContact string
}

// LimitsConfig configures the rate limiter and the quota ledger.
type LimitsConfig struct {
	RateLimit    int
	RateWindow   time.Duration
	DefaultQuota int
}

// ObjectsConfig configures the image object store. Endpoint empty means
// images are kept in process memory.
type ObjectsConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// API key required on the events endpoint; empty disables the check.
	APIKey       string
	APIKeyHeader string
}

// Load reads configuration from the environment with sensible defaults.
// A .env file in the working directory is folded in first, if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        envInt("INFOBOT_PORT", 8080),
		Version:     envStr("INFOBOT_VERSION", "0.1.0"),
		SuperuserID: envStr("INFOBOT_SUPERUSER_ID", ""),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		LLM: LLMConfig{
			BaseURL:        envStr("LLM_BASE_URL", ""),
			APIKey:         envStr("LLM_API_KEY", ""),
			DefaultModel:   envStr("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			Timeout:        envDuration("LLM_TIMEOUT", 60*time.Second),
			SupportContact: envStr("INFOBOT_SUPPORT_CONTACT", "the administrator"),
		},
		Limits: LimitsConfig{
			RateLimit:    envInt("INFOBOT_RATE_LIMIT", 5),
			RateWindow:   envDuration("INFOBOT_RATE_WINDOW", time.Minute),
			DefaultQuota: envInt("INFOBOT_DEFAULT_QUOTA", 10),
		},
		Objects: ObjectsConfig{
			Endpoint:  envStr("MINIO_ENDPOINT", ""),
			AccessKey: envStr("MINIO_ACCESS_KEY", ""),
			SecretKey: envStr("MINIO_SECRET_KEY", ""),
			Bucket:    envStr("MINIO_BUCKET", "user-images"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Retention: RetentionConfig{
			Interval:     envDuration("INFOBOT_RETENTION_INTERVAL", 6*time.Hour),
			ExchangeDays: envInt("INFOBOT_EXCHANGE_RETENTION_DAYS", 90),
			AuditDays:    envInt("INFOBOT_AUDIT_RETENTION_DAYS", 30),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "infobot"),
		},
		Auth: AuthConfig{
			APIKey:       envStr("INFOBOT_API_KEY", ""),
			APIKeyHeader: envStr("INFOBOT_API_KEY_HEADER", "Authorization"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
