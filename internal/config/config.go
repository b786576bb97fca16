package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port          int
	Env           string
	LogLevel      string
	JWTSecret     string
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	EncryptionKey string
	CORSOrigins   []string

	PaymentWebhookSecret string
	PaymentBaseURL       string
	CheckoutSuccessURL   string
	CheckoutCancelURL    string

	AMQPURL        string
	ExpirySchedule string

	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", 4001)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/subscription/success")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/subscription/cancel")
	v.SetDefault("EXPIRY_SCHEDULE", "@every 15m")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	jwtSecret := v.GetString("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	webhookSecret := v.GetString("PAYMENT_WEBHOOK_SECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}

	encKey := v.GetString("ENCRYPTION_KEY")
	if encKey != "" && len(encKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(encKey))
	}

	port := v.GetInt("PORT")
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", port)
	}

	timeout, err := time.ParseDuration(v.GetString("REQUEST_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("REQUEST_TIMEOUT is not a duration: %w", err)
	}

	var origins []string
	for _, o := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return &Config{
		Port:                 port,
		Env:                  v.GetString("APP_ENV"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		JWTSecret:            jwtSecret,
		DatabaseURL:          dbURL,
		DBMaxConns:           v.GetInt32("DB_MAX_CONNS"),
		DBMinConns:           v.GetInt32("DB_MIN_CONNS"),
		EncryptionKey:        encKey,
		CORSOrigins:          origins,
		PaymentWebhookSecret: webhookSecret,
		PaymentBaseURL:       v.GetString("PAYMENT_BASE_URL"),
		CheckoutSuccessURL:   v.GetString("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:    v.GetString("CHECKOUT_CANCEL_URL"),
		AMQPURL:              v.GetString("AMQP_URL"),
		ExpirySchedule:       v.GetString("EXPIRY_SCHEDULE"),
		RateLimitRPS:         v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:       v.GetInt("RATE_LIMIT_BURST"),
		RequestTimeout:       timeout,
	}, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
