package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries everything the gateway reads from the environment. Empty
// RedisURL or DatabaseURL selects the in-memory counterpart, which keeps
// local development dependency-free.
type Config struct {
	Addr     string
	LogLevel string
	Version  string

	RedisURL    string
	DatabaseURL string

	// EncryptionKey seals provider API keys at rest. When EncryptionKeyID is
	// set the key is fetched from AWS Secrets Manager instead.
	EncryptionKey   string
	EncryptionKeyID string

	AdminAuthEnabled bool
	AdminPassword    string

	OTLPEndpoint string

	AWSRegion      string
	BedrockEnabled bool

	// AlertTopicARN enables SNS quota alerts; thresholds are fractions of a
	// credential's daily cap.
	AlertTopicARN   string
	AlertInterval   time.Duration
	WarningFraction float64

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Version:          getEnv("GATEWAY_VERSION", "dev"),
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		EncryptionKeyID:  getEnv("ENCRYPTION_KEY_SECRET_ID", ""),
		AdminAuthEnabled: getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminPassword:    getEnv("ADMIN_PASSWORD", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		BedrockEnabled:   getEnv("BEDROCK_ENABLED", "false") == "true",
		AlertTopicARN:    getEnv("ALERT_TOPIC_ARN", ""),
		AlertInterval:    getDurationEnv("ALERT_INTERVAL", time.Minute),
		WarningFraction:  getFloatEnv("ALERT_WARNING_FRACTION", 0.8),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
