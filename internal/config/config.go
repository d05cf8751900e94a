// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. DATABASE_URL wins over BOLT_PATH; with neither set the
	// server keeps transactions in memory.
	DatabaseURL string
	BoltPath    string

	// Security
	AuthUser       string // HTTP basic auth on /v1
	AuthPass       string
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string // empty disables CORS

	// Scoring
	RuleSet                 string
	ScoreTimeout            time.Duration
	HistoryBreakerThreshold int
	HistoryBreakerOpen      time.Duration

	// Integrations
	OTLPEndpoint        string
	TraceSampleRatio    float64 // fraction of root spans kept, 0..1
	StripeWebhookSecret string // empty disables the Stripe dispute webhook
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultRateLimit               = 600
	DefaultRateLimitBurst          = 50
	DefaultRuleSet                 = "v2"
	DefaultScoreTimeout            = 2 * time.Second
	DefaultHistoryBreakerThreshold = 5
	DefaultHistoryBreakerOpen      = 30 * time.Second
	DefaultTraceSampleRatio        = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		BoltPath:                os.Getenv("BOLT_PATH"),
		AuthUser:                os.Getenv("AUTH_USER"),
		AuthPass:                os.Getenv("AUTH_PASS"),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		RateLimitBurst:          int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:             getEnvList("CORS_ORIGINS"),
		RuleSet:                 getEnv("RULE_SET", DefaultRuleSet),
		ScoreTimeout:            getEnvDuration("SCORE_TIMEOUT", DefaultScoreTimeout),
		HistoryBreakerThreshold: int(getEnvInt64("HISTORY_BREAKER_THRESHOLD", DefaultHistoryBreakerThreshold)),
		HistoryBreakerOpen:      getEnvDuration("HISTORY_BREAKER_OPEN", DefaultHistoryBreakerOpen),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if (c.AuthUser == "") != (c.AuthPass == "") {
		return fmt.Errorf("AUTH_USER and AUTH_PASS must be set together")
	}
	if c.IsProduction() && c.AuthUser == "" {
		return fmt.Errorf("AUTH_USER and AUTH_PASS are required in production")
	}

	switch c.RuleSet {
	case "v1", "v2":
	default:
		return fmt.Errorf("RULE_SET must be v1 or v2, got %q", c.RuleSet)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	if c.ScoreTimeout <= 0 {
		return fmt.Errorf("SCORE_TIMEOUT must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}
	if c.HistoryBreakerThreshold <= 0 {
		return fmt.Errorf("HISTORY_BREAKER_THRESHOLD must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	return nil
}

// AuthEnabled reports whether basic auth credentials are configured.
func (c *Config) AuthEnabled() bool {
	return c.AuthUser != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
