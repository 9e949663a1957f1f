// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	LogFile   string // optional rotated log file

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool
	RedisURL    string // shared lock across instances; required in production

	// Payment processor
	StripeSecretKey string
	StripeAPIURL    string // override for stripe-mock or tests
	Currency        string
	PlatformFeeRate decimal.Decimal

	GatewayTimeout     time.Duration
	GatewayMaxAttempts int
	GatewayRetryBase   time.Duration

	// Escrow lifecycle
	ReviewWindow        time.Duration
	AutoReleaseInterval time.Duration
	ReconcileInterval   time.Duration
	ReconcileGrace      time.Duration
	ReconcileAlertAfter time.Duration

	// Security
	AuthJWTSecret  string
	AdminSecret    string
	OperatorUserID string
	CORSOrigins    []string
	RateLimitRPM   int

	// Payee onboarding
	OnboardingReturnURL string

	// Outbound notification webhook (optional)
	WebhookURL    string
	WebhookSecret string

	// Kafka event stream (optional)
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCurrency            = "usd"
	DefaultPlatformFeeRate     = "0.05"
	DefaultGatewayTimeout      = 10 * time.Second
	DefaultGatewayMaxAttempts  = 3
	DefaultGatewayRetryBase    = 200 * time.Millisecond
	DefaultReviewWindow        = 48 * time.Hour
	DefaultAutoReleaseInterval = time.Minute
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReconcileGrace      = 10 * time.Minute
	DefaultReconcileAlertAfter = 24 * time.Hour
	DefaultOnboardingReturnURL = "http://localhost:3000/profile"
	DefaultRateLimitRPM        = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:             os.Getenv("LOG_FILE"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		Currency:            strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		PlatformFeeRate:     rate,
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts:  int(getEnvInt64("GATEWAY_MAX_ATTEMPTS", DefaultGatewayMaxAttempts)),
		GatewayRetryBase:    getEnvDuration("GATEWAY_RETRY_BASE", DefaultGatewayRetryBase),
		ReviewWindow:        getEnvDuration("REVIEW_WINDOW", DefaultReviewWindow),
		AutoReleaseInterval: getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileGrace:      getEnvDuration("RECONCILE_GRACE", DefaultReconcileGrace),
		ReconcileAlertAfter: getEnvDuration("RECONCILE_ALERT_AFTER", DefaultReconcileAlertAfter),
		AuthJWTSecret:       os.Getenv("AUTH_JWT_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OperatorUserID:      os.Getenv("OPERATOR_USER_ID"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OnboardingReturnURL: getEnv("ONBOARDING_RETURN_URL", DefaultOnboardingReturnURL),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          os.Getenv("KAFKA_TOPIC"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1)")
	}
	if c.ReviewWindow <= 0 {
		return fmt.Errorf("REVIEW_WINDOW must be positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Currency == "" {
		return fmt.Errorf("CURRENCY is required")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.WebhookURL != "" && c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set in production")
		}
		// Withdrawals are serialized per freelancer by the lock alone; the
		// ledger has no row to compare-and-swap on.
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
	}

	if c.StripeSecretKey != "" && !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		return fmt.Errorf("STRIPE_SECRET_KEY must be a secret (sk_) or restricted (rk_) key")
	}

	return nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
