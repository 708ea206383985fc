package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr                      string
	DatabaseURL               string
	JWTSecret                 string
	DataEncryptionKey         string
	Environment               string
	MigrationsDir             string
	RunMigrations             bool
	ReportingCurrency         string
	Organization              string
	DeductionPolicyPath       string
	AuthzModelPath            string
	AuthzPolicyPath           string
	DistributionWorkers       int
	ResolveWorkers            int
	DistributionRetryInterval time.Duration
	DistributionMaxAttempts   int
	PayslipArchiveDir         string
	EmailFrom                 string
	EmailEnabled              bool
	SMTPHost                  string
	SMTPPort                  int
	SMTPUser                  string
	SMTPPassword              string
	SMTPUseTLS                bool
	RedisAddr                 string
	RedisPassword             string
	MaxBodyBytes              int64
	RateLimitPerMinute        int
	MetricsEnabled            bool
	LogLevel                  string
}

// Load reads the environment, after applying a .env file when one exists.
// Variables already set in the environment win over the file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}
	return Config{
		Addr:                      getEnv("APP_ADDR", ":8080"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		JWTSecret:                 getEnv("JWT_SECRET", ""),
		DataEncryptionKey:         getEnv("DATA_ENCRYPTION_KEY", ""),
		Environment:               getEnv("APP_ENV", "development"),
		MigrationsDir:             getEnv("MIGRATIONS_DIR", "migrations"),
		RunMigrations:             getEnvBool("RUN_MIGRATIONS", true),
		ReportingCurrency:         strings.ToUpper(getEnv("REPORTING_CURRENCY", "INR")),
		Organization:              getEnv("ORGANIZATION_NAME", ""),
		DeductionPolicyPath:       getEnv("DEDUCTION_POLICY_PATH", "config/deduction_policy.yaml"),
		AuthzModelPath:            getEnv("AUTHZ_MODEL_PATH", "config/authz_model.conf"),
		AuthzPolicyPath:           getEnv("AUTHZ_POLICY_PATH", "config/authz_policy.csv"),
		DistributionWorkers:       getEnvInt("DISTRIBUTION_WORKERS", 4),
		ResolveWorkers:            getEnvInt("RESOLVE_WORKERS", 8),
		DistributionRetryInterval: getEnvDuration("DISTRIBUTION_RETRY_INTERVAL", 15*time.Minute),
		DistributionMaxAttempts:   getEnvInt("DISTRIBUTION_MAX_ATTEMPTS", 3),
		PayslipArchiveDir:         getEnv("PAYSLIP_ARCHIVE_DIR", "storage/payslips"),
		EmailFrom:                 getEnv("EMAIL_FROM", "no-reply@example.com"),
		EmailEnabled:              getEnvBool("EMAIL_ENABLED", false),
		SMTPHost:                  getEnv("SMTP_HOST", ""),
		SMTPPort:                  getEnvInt("SMTP_PORT", 587),
		SMTPUser:                  getEnv("SMTP_USER", ""),
		SMTPPassword:              getEnv("SMTP_PASSWORD", ""),
		SMTPUseTLS:                getEnvBool("SMTP_USE_TLS", true),
		RedisAddr:                 getEnv("REDIS_ADDR", ""),
		RedisPassword:             getEnv("REDIS_PASSWORD", ""),
		MaxBodyBytes:              int64(getEnvInt("MAX_BODY_BYTES", 1048576)),
		RateLimitPerMinute:        getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		MetricsEnabled:            getEnvBool("METRICS_ENABLED", true),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Environment == "production" {
		if strings.TrimSpace(c.JWTSecret) == "" {
			return fmt.Errorf("JWT_SECRET must be set to a strong value in production")
		}
		if strings.TrimSpace(c.DataEncryptionKey) == "" {
			return fmt.Errorf("DATA_ENCRYPTION_KEY must be set in production for encryption at rest")
		}
	}
	if len(c.ReportingCurrency) != 3 {
		return fmt.Errorf("REPORTING_CURRENCY must be a 3-letter currency code")
	}
	if c.DistributionWorkers < 1 {
		return fmt.Errorf("DISTRIBUTION_WORKERS must be at least 1")
	}
	if c.ResolveWorkers < 1 {
		return fmt.Errorf("RESOLVE_WORKERS must be at least 1")
	}
	if c.DistributionMaxAttempts < 1 {
		return fmt.Errorf("DISTRIBUTION_MAX_ATTEMPTS must be at least 1")
	}
	if c.DistributionRetryInterval < 0 {
		return fmt.Errorf("DISTRIBUTION_RETRY_INTERVAL must not be negative")
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("MAX_BODY_BYTES must be at least 1024")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.EmailEnabled && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST must be set when EMAIL_ENABLED is true")
	}
	return nil
}
