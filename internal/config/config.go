package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "upi-ledger-default-dev-secret-change-me"

// Store drivers accepted in STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string
	AppEnv   string

	// Storage
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	DBMaxConns  int

	// Ledger rules
	DailyWithdrawalLimit    int64
	MaxAccountsPerOwner     int
	PaymentIDDomain         string
	Timezone                string
	EnforceAccountOwnership bool

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// JWT / Auth
	JWTSecret  string
	JWTTTL     time.Duration
	BcryptCost int
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		AppEnv:   getEnv("APP_ENV", "development"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "ledger.db"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),

		DailyWithdrawalLimit:    getEnvInt64("DAILY_WITHDRAWAL_LIMIT", 100000),
		MaxAccountsPerOwner:     getEnvInt("MAX_ACCOUNTS_PER_OWNER", 10),
		PaymentIDDomain:         getEnv("PAYMENT_ID_DOMAIN", "rev"),
		Timezone:                getEnv("LEDGER_TIMEZONE", "Local"),
		EnforceAccountOwnership: getEnvBool("ENFORCE_ACCOUNT_OWNERSHIP", false),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 10*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		JWTSecret:  getEnv("JWT_SECRET", defaultJWTSecret),
		JWTTTL:     getEnvDuration("JWT_TTL", 6*time.Hour),
		BcryptCost: getEnvInt("BCRYPT_COST", 10),
	}
}

// Location resolves Timezone. "Local" and "" mean the process time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive: %d", c.DBMaxConns))
	}

	if c.DailyWithdrawalLimit <= 0 {
		errs = append(errs, fmt.Errorf("DAILY_WITHDRAWAL_LIMIT must be positive: %d", c.DailyWithdrawalLimit))
	}
	if c.MaxAccountsPerOwner <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ACCOUNTS_PER_OWNER must be positive: %d", c.MaxAccountsPerOwner))
	}
	if c.PaymentIDDomain == "" || strings.ContainsAny(c.PaymentIDDomain, "@. ") {
		errs = append(errs, fmt.Errorf("invalid PAYMENT_ID_DOMAIN %q", c.PaymentIDDomain))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("LEDGER_TIMEZONE: %w", err))
	}

	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must not be negative: %d", c.MaxRetries))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	} else if c.JWTSecret == defaultJWTSecret && c.AppEnv != "development" {
		errs = append(errs, errors.New("JWT_SECRET must be set outside development"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, fmt.Errorf("JWT_TTL must be positive: %s", c.JWTTTL))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_COST out of range: %d", c.BcryptCost))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
