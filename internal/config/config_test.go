package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 48*time.Hour, cfg.ReviewWindow)
	assert.Equal(t, DefaultGatewayMaxAttempts, cfg.GatewayMaxAttempts)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("REVIEW_WINDOW", "2h")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "5")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("CURRENCY", "EUR")
	t.Setenv("PLATFORM_FEE_RATE", "0.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.ReviewWindow)
	assert.Equal(t, 5, cfg.GatewayMaxAttempts)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "eur", cfg.Currency)
	assert.Equal(t, "0.1", cfg.PlatformFeeRate.String())
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("CORS_ORIGINS", " https://app.example.com, ,https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
}

func TestLoad_KafkaBrokers(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("KAFKA_TOPIC", "marketplace.payments")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "marketplace.payments", cfg.KafkaTopic)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("REVIEW_WINDOW", "two days")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultReviewWindow, cfg.ReviewWindow)
	assert.Equal(t, DefaultGatewayMaxAttempts, cfg.GatewayMaxAttempts)
}

func TestLoad_InvalidFeeRate(t *testing.T) {
	t.Setenv("PLATFORM_FEE_RATE", "five percent")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_FEE_RATE")
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STRIPE_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func validConfig() Config {
	return Config{
		Env:                "development",
		Currency:           "usd",
		PlatformFeeRate:    decimal.RequireFromString("0.05"),
		ReviewWindow:       48 * time.Hour,
		GatewayMaxAttempts: 3,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid development", mutate: func(c *Config) {}},
		{
			name:    "fee rate of one",
			mutate:  func(c *Config) { c.PlatformFeeRate = decimal.NewFromInt(1) },
			wantErr: "PLATFORM_FEE_RATE",
		},
		{
			name:    "negative fee rate",
			mutate:  func(c *Config) { c.PlatformFeeRate = decimal.RequireFromString("-0.01") },
			wantErr: "PLATFORM_FEE_RATE",
		},
		{
			name:    "zero review window",
			mutate:  func(c *Config) { c.ReviewWindow = 0 },
			wantErr: "REVIEW_WINDOW",
		},
		{
			name:    "no attempts",
			mutate:  func(c *Config) { c.GatewayMaxAttempts = 0 },
			wantErr: "GATEWAY_MAX_ATTEMPTS",
		},
		{
			name:    "publishable key",
			mutate:  func(c *Config) { c.StripeSecretKey = "pk_test_123" },
			wantErr: "STRIPE_SECRET_KEY",
		},
		{
			name: "production complete",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
				c.StripeSecretKey = "sk_live_abc"
				c.AuthJWTSecret = "secret"
				c.AdminSecret = "admin"
				c.RedisURL = "redis://localhost:6379/0"
			},
		},
		{
			name: "production without shared lock",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
				c.StripeSecretKey = "sk_live_abc"
				c.AuthJWTSecret = "secret"
				c.AdminSecret = "admin"
			},
			wantErr: "REDIS_URL",
		},
		{
			name: "production missing admin secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
				c.StripeSecretKey = "sk_live_abc"
				c.AuthJWTSecret = "secret"
			},
			wantErr: "ADMIN_SECRET",
		},
		{
			name: "production unsigned webhook",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
				c.StripeSecretKey = "sk_live_abc"
				c.AuthJWTSecret = "secret"
				c.AdminSecret = "admin"
				c.WebhookURL = "https://marketplace.example.com/hooks/escrow"
			},
			wantErr: "WEBHOOK_SECRET",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.RateLimitRPM = -1 },
			wantErr: "RATE_LIMIT_RPM",
		},
		{
			name: "production missing jwt secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
				c.StripeSecretKey = "sk_live_abc"
			},
			wantErr: "AUTH_JWT_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	c := &Config{Env: "production"}
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())
}
