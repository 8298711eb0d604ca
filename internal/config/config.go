// Package config loads all runtime configuration from environment variables.
// An optional dotenv file is read first; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for fleetd.
type Config struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Log       LogConfig
	Auth      AuthConfig
	Limits    LimitsConfig
	RateLimit RateLimitConfig
	Outbox    OutboxConfig
	Mail      MailConfig
	App       AppConfig
	Worker    WorkerConfig
	OTel      OTelConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port           int
	AllowedOrigins []string // "*" allows any origin
	MaxBodyBytes   int64
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver   string // "sqlite" (default) or "postgres"
	DSN      string // required when Driver == "postgres"
	File     string // SQLite database file path (default: "fleetd.db")
	MaxConns int    // Postgres only

	SlowQuery time.Duration // statements slower than this are logged
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig holds credential and token lifetimes.
type AuthConfig struct {
	SessionTTL     time.Duration
	ResetTTL       time.Duration
	VerifyTTL      time.Duration
	EmailChangeTTL time.Duration
	BcryptCost     int
}

// LimitsConfig caps issuance of single-use tokens per identifier.
type LimitsConfig struct {
	ResetPerHour      int
	VerifyPerHour     int
	EmailChangeWindow time.Duration
}

// RateLimitConfig configures the per-client token bucket in front of the API.
type RateLimitConfig struct {
	Enabled      bool
	RedisURL     string
	Capacity     int
	RefillPerSec float64
}

// OutboxConfig selects the transport for fire-and-forget notifications.
type OutboxConfig struct {
	AMQPURL string // empty -> River on postgres, in-process otherwise
	Queue   string
}

// MailConfig holds outbound email settings.
type MailConfig struct {
	Provider string // "log" (default) or "sendgrid"
	APIKey   string //nolint:gosec // intentional: holds mail provider API key loaded from env
	From     string
	AppURL   string // base URL used in verification and reset links
}

// AppConfig holds application-level settings such as seed credentials.
type AppConfig struct {
	SeedAdminEmail    string
	SeedAdminPassword string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency   int
	SweepInterval time.Duration
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
	SampleRatio  float64 // fraction of root traces kept, 0..1
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	if err := godotenv.Load(envStr("FLEETD_ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}
	var err error

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)
	cfg.HTTP.AllowedOrigins = envList("HTTP_ALLOWED_ORIGINS", []string{"*"})
	cfg.HTTP.MaxBodyBytes = int64(envInt("HTTP_MAX_BODY_BYTES", 4<<20))

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "fleetd.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
	}
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)
	if cfg.DB.SlowQuery, err = envDuration("DB_SLOW_QUERY", 200*time.Millisecond); err != nil {
		return nil, err
	}

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// Auth
	if cfg.Auth.SessionTTL, err = envDuration("AUTH_SESSION_TTL", 720*time.Hour); err != nil {
		return nil, fmt.Errorf("AUTH_SESSION_TTL: %w", err)
	}
	if cfg.Auth.ResetTTL, err = envDuration("AUTH_RESET_TTL", time.Hour); err != nil {
		return nil, fmt.Errorf("AUTH_RESET_TTL: %w", err)
	}
	if cfg.Auth.VerifyTTL, err = envDuration("AUTH_VERIFY_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("AUTH_VERIFY_TTL: %w", err)
	}
	if cfg.Auth.EmailChangeTTL, err = envDuration("AUTH_EMAIL_CHANGE_TTL", 30*time.Minute); err != nil {
		return nil, fmt.Errorf("AUTH_EMAIL_CHANGE_TTL: %w", err)
	}
	cfg.Auth.BcryptCost = envInt("AUTH_BCRYPT_COST", 10)

	// Limits
	cfg.Limits.ResetPerHour = envInt("LIMIT_RESET_PER_HOUR", 3)
	cfg.Limits.VerifyPerHour = envInt("LIMIT_VERIFY_PER_HOUR", 3)
	if cfg.Limits.EmailChangeWindow, err = envDuration("LIMIT_EMAIL_CHANGE_WINDOW", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("LIMIT_EMAIL_CHANGE_WINDOW: %w", err)
	}

	// Rate limit
	cfg.RateLimit.RedisURL = os.Getenv("REDIS_URL")
	cfg.RateLimit.Enabled = envBool("RATE_LIMIT_ENABLED", cfg.RateLimit.RedisURL != "")
	if cfg.RateLimit.Enabled && cfg.RateLimit.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required when RATE_LIMIT_ENABLED=true")
	}
	cfg.RateLimit.Capacity = envInt("RATE_LIMIT_CAPACITY", 60)
	cfg.RateLimit.RefillPerSec = envFloat("RATE_LIMIT_REFILL_PER_SEC", 1)

	// Outbox
	cfg.Outbox.AMQPURL = os.Getenv("AMQP_URL")
	cfg.Outbox.Queue = envStr("AMQP_QUEUE", "fleetd.notifications")

	// Mail
	cfg.Mail.Provider = envStr("MAIL_PROVIDER", "log")
	cfg.Mail.APIKey = os.Getenv("MAIL_API_KEY")
	if cfg.Mail.Provider == "sendgrid" && cfg.Mail.APIKey == "" {
		return nil, errors.New("MAIL_API_KEY is required when MAIL_PROVIDER=sendgrid")
	}
	cfg.Mail.From = envStr("MAIL_FROM", "noreply@fleetd.local")
	cfg.Mail.AppURL = strings.TrimRight(envStr("APP_URL", "http://localhost:8080"), "/")

	// App
	cfg.App.SeedAdminEmail = envStr("SEED_ADMIN_EMAIL", "admin@fleetd.local")
	cfg.App.SeedAdminPassword = os.Getenv("SEED_ADMIN_PASSWORD")

	// Worker
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)
	if cfg.Worker.SweepInterval, err = envDuration("WORKER_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, fmt.Errorf("WORKER_SWEEP_INTERVAL: %w", err)
	}

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTel.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", 1)
	if cfg.OTel.SampleRatio < 0 || cfg.OTel.SampleRatio > 1 {
		return nil, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %v", cfg.OTel.SampleRatio)
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
