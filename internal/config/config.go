// Package config provides configuration management for the gateway
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Catalog   CatalogConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Ledger    LedgerConfig
	Session   SessionConfig
	Auth      AuthConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. An empty DSN runs the
// ledger in memory and disables the catalog database tier.
type DatabaseConfig struct {
	Driver  string
	DSN     string
	Migrate bool
}

// CatalogConfig holds catalog cache configuration
type CatalogConfig struct {
	TTL            time.Duration
	DiskPath       string
	PageSize       int
	MaxPages       int
	RefreshTimeout time.Duration
	RetryInterval  time.Duration
	Kind           string // provider game type filter, empty for all
}

// ProviderConfig holds the game provider API credentials
type ProviderConfig struct {
	BaseURL     string
	MerchantID  string
	MerchantKey string
	Timeout     time.Duration
	MaxSkew     time.Duration // accepted callback timestamp drift, 0 disables the check
	ReturnURL   string
}

// RateLimitConfig holds outbound request limits
type RateLimitConfig struct {
	RequestsPerMinute int
	MaxConcurrency    int
	MaxRetries        int
	MaxBackoff        time.Duration
}

// LedgerConfig holds money handling configuration
type LedgerConfig struct {
	DefaultCurrency   string
	OpeningBalance    int64 // minor units credited to unknown players in demo mode
	LargeWinThreshold int64
	Jackpots          bool
}

// SessionConfig holds game session configuration
type SessionConfig struct {
	IdleTimeout  time.Duration
	Retention    time.Duration
	ReapInterval time.Duration
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
	Issuer      string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// Load loads configuration from environment with defaults. A .env file in the
// working directory is read first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SLOTGATE_PORT", "8080"),
			ReadTimeout:     getDurationEnv("SLOTGATE_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("SLOTGATE_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationEnv("SLOTGATE_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver:  getEnv("SLOTGATE_DB_DRIVER", "postgres"),
			DSN:     getEnv("SLOTGATE_DB_DSN", ""),
			Migrate: getBoolEnv("SLOTGATE_DB_MIGRATE", true),
		},
		Catalog: CatalogConfig{
			TTL:            getDurationEnv("SLOTGATE_CATALOG_TTL", time.Hour),
			DiskPath:       getEnv("SLOTGATE_CATALOG_PATH", "data/catalog.json"),
			PageSize:       getIntEnv("SLOTGATE_CATALOG_PAGE_SIZE", 100),
			MaxPages:       getIntEnv("SLOTGATE_CATALOG_MAX_PAGES", 1000),
			RefreshTimeout: getDurationEnv("SLOTGATE_CATALOG_REFRESH_TIMEOUT", 5*time.Minute),
			RetryInterval:  getDurationEnv("SLOTGATE_CATALOG_RETRY_INTERVAL", 10*time.Second),
			Kind:           getEnv("SLOTGATE_CATALOG_KIND", ""),
		},
		Provider: ProviderConfig{
			BaseURL:     getEnv("SLOTGATE_PROVIDER_URL", "https://staging.slotegrator.com/api/index.php/v1"),
			MerchantID:  getEnv("SLOTGATE_MERCHANT_ID", ""),
			MerchantKey: getEnv("SLOTGATE_MERCHANT_KEY", ""),
			Timeout:     getDurationEnv("SLOTGATE_PROVIDER_TIMEOUT", 30*time.Second),
			MaxSkew:     getDurationEnv("SLOTGATE_CALLBACK_MAX_SKEW", 5*time.Minute),
			ReturnURL:   getEnv("SLOTGATE_RETURN_URL", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getIntEnv("SLOTGATE_RATE_LIMIT_RPM", 300),
			MaxConcurrency:    getIntEnv("SLOTGATE_RATE_LIMIT_CONCURRENCY", 8),
			MaxRetries:        getIntEnv("SLOTGATE_RATE_LIMIT_RETRIES", 3),
			MaxBackoff:        getDurationEnv("SLOTGATE_RATE_LIMIT_MAX_BACKOFF", 30*time.Second),
		},
		Ledger: LedgerConfig{
			DefaultCurrency:   strings.ToUpper(getEnv("SLOTGATE_CURRENCY", "EUR")),
			OpeningBalance:    int64(getIntEnv("SLOTGATE_OPENING_BALANCE", 0)),
			LargeWinThreshold: int64(getIntEnv("SLOTGATE_LARGE_WIN", 1_000_000)),
			Jackpots:          getBoolEnv("SLOTGATE_JACKPOTS", true),
		},
		Session: SessionConfig{
			IdleTimeout:  getDurationEnv("SLOTGATE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
			Retention:    getDurationEnv("SLOTGATE_SESSION_RETENTION", time.Hour),
			ReapInterval: getDurationEnv("SLOTGATE_SESSION_REAP_INTERVAL", time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("SLOTGATE_JWT_SECRET", "slotgate-dev-secret-change-in-production"),
			TokenExpiry: getDurationEnv("SLOTGATE_TOKEN_EXPIRY", 24*time.Hour),
			Issuer:      getEnv("SLOTGATE_JWT_ISSUER", "slotgate"),
		},
		Log: LogConfig{
			Level: getEnv("SLOTGATE_LOG_LEVEL", "info"),
		},
	}
}

// Validate reports configuration that cannot work
func (c *Config) Validate() error {
	var errs []error
	if c.Provider.MerchantID == "" || c.Provider.MerchantKey == "" {
		errs = append(errs, errors.New("merchant id and key are required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider url is required"))
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("requests per minute must be positive, got %d", c.RateLimit.RequestsPerMinute))
	}
	if c.RateLimit.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.RateLimit.MaxConcurrency))
	}
	if c.Catalog.TTL <= 0 {
		errs = append(errs, errors.New("catalog ttl must be positive"))
	}
	if c.Catalog.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("catalog page size must be positive, got %d", c.Catalog.PageSize))
	}
	if len(c.Ledger.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("currency must be an ISO 4217 code, got %q", c.Ledger.DefaultCurrency))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}
