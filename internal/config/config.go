// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional — ledger/provenance run in-memory if unset)
	DatabaseURL string

	// Policy
	PolicyFilePath string // path to the JSON policy file loaded at startup
	PolicyReloadMs int64  // read from POLICY_RELOAD_MS; nothing polls PolicyFilePath, it is loaded once at startup

	// Facilitator credentials
	X402FacilitatorURL string // remote x402 facilitator base URL
	StripeSecretKey    string `json:"-"`
	StripeCurrency     string
	DefaultAgent       string
	DefaultCurrency    string

	// Circuit breaker tuning
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMax      int

	// Recovery engine tuning
	RecoveryMaxAttempts  int
	RecoveryRetryDelayMs int64

	// Security
	APIKeyHash    string // for authenticating SDK/dashboard clients
	WebhookURL    string // alert delivery target; empty disables webhook alerts
	WebhookSecret string
	RateLimitRPM  int
	AdminSecret   string

	// ProvenanceSigningSecret, if set, HMAC-signs the provenance chain
	// attached to dispute evidence. Empty disables signing.
	ProvenanceSigningSecret string `json:"-"`

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultPolicyFilePath = "policy.yaml"

	DefaultDefaultCurrency = "USDC"
	DefaultStripeCurrency  = "usd"

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecoveryTimeout  = 30 * time.Second
	DefaultBreakerHalfOpenMax      = 1

	DefaultRecoveryMaxAttempts  = 3
	DefaultRecoveryRetryDelayMs = 1000

	DefaultRateLimit = 100

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		PolicyFilePath: getEnv("POLICY_FILE_PATH", DefaultPolicyFilePath),
		PolicyReloadMs: getEnvInt64("POLICY_RELOAD_MS", 0),

		X402FacilitatorURL: os.Getenv("X402_FACILITATOR_URL"),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:     getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		DefaultAgent:       os.Getenv("DEFAULT_AGENT"),
		DefaultCurrency:    getEnv("DEFAULT_CURRENCY", DefaultDefaultCurrency),

		BreakerFailureThreshold: int(getEnvInt64("BREAKER_FAILURE_THRESHOLD", int64(DefaultBreakerFailureThreshold))),
		BreakerRecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", DefaultBreakerRecoveryTimeout),
		BreakerHalfOpenMax:      int(getEnvInt64("BREAKER_HALF_OPEN_MAX", int64(DefaultBreakerHalfOpenMax))),

		RecoveryMaxAttempts:  int(getEnvInt64("RECOVERY_MAX_ATTEMPTS", int64(DefaultRecoveryMaxAttempts))),
		RecoveryRetryDelayMs: getEnvInt64("RECOVERY_RETRY_DELAY_MS", DefaultRecoveryRetryDelayMs),

		APIKeyHash:    os.Getenv("API_KEY_HASH"),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM: func() int {
			rpm := getEnvInt64("RATE_LIMIT_RPM", 0)
			if rpm == 0 {
				rpm = getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))
			}
			return int(rpm)
		}(),
		AdminSecret: os.Getenv("ADMIN_SECRET"),

		ProvenanceSigningSecret: os.Getenv("PROVENANCE_SIGNING_SECRET"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.BreakerFailureThreshold)
	}

	if c.RecoveryMaxAttempts < 1 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be at least 1, got %d", c.RecoveryMaxAttempts)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.X402FacilitatorURL == "" && c.StripeSecretKey == "" {
		slog.Warn("neither X402_FACILITATOR_URL nor STRIPE_SECRET_KEY set — no payment rail configured")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints accept any authenticated request")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
