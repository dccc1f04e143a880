package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Primary provider (Groq)
	GroqAPIKey string

	// Fallback provider (Azure OpenAI)
	AzureOpenAIAPIKey     string
	AzureOpenAIEndpoint   string
	AzureOpenAIDeployment string
	AzureOpenAIAPIVersion string // default: 2024-02-15-preview

	// Stream relay (optional; relay runs in-process only when empty)
	RedisAddr     string
	StreamChannel string // default: chat:stream

	// Usage log (optional)
	PostgresDSN string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per user per minute, default: 60
}

// Load reads configuration from the environment. Provider credentials are
// deliberately not validated here: a missing key means that provider is
// unavailable, which the resolver reports at startup. Only malformed values
// are load errors.
func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		GroqAPIKey:            os.Getenv("GROQ_API_KEY"),
		AzureOpenAIAPIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIEndpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIDeployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		AzureOpenAIAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-02-15-preview"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		StreamChannel:         getEnv("STREAM_CHANNEL", "chat:stream"),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		OTELExporterType:      getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:  getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
