// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// State store drivers.
const (
	StateDriverSQLite   = "sqlite"
	StateDriverPostgres = "postgres"
	StateDriverFile     = "file"
)

// Hub publisher drivers.
const (
	PublishDriverMQTT  = "mqtt"
	PublishDriverKafka = "kafka"
	PublishDriverLog   = "log"
	PublishDriverNone  = "none"
)

// Config holds all application configuration.
type Config struct {
	// Trap registry.
	TrapsFile string

	// State store settings.
	StateDriver string
	StateDir    string // FileStore directory.
	SQLitePath  string
	DatabaseURL string // Postgres DSN; required for the postgres driver.

	// Vendor API settings.
	SteamIQBaseURL   string
	SteamIQUsername  string
	SteamIQPassword  string
	SteamIQChunkSize int // Samples per evaluation chunk.
	SteamIQMaxPoints int // Upper bound on points per telemetry request.
	SteamIQTimeout   time.Duration
	SteamIQRPS       float64

	// Hub publisher settings.
	PublishDriver   string
	PublishInterval time.Duration // Minimum pause between hub messages per connection.
	KafkaBrokers    string        // Comma-separated host:port list.
	KafkaTopic      string

	// Runner settings.
	Concurrency int
	RunInterval time.Duration // Scheduler period for serve; 0 disables scheduled runs.

	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	APIKey       string // Bearer key for the status API; empty leaves it open.

	// Per-IP rate limit for the status API; RPS 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not only the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		TrapsFile:       envStr("TRAPWATCH_TRAPS_FILE", "config/traps.json"),
		StateDriver:     envStr("TRAPWATCH_STATE_DRIVER", StateDriverSQLite),
		StateDir:        envStr("TRAPWATCH_STATE_DIR", "data/state"),
		SQLitePath:      envStr("TRAPWATCH_SQLITE_PATH", "data/trapwatch.db"),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		SteamIQBaseURL:  envStr("STEAMIQ_BASE_URL", "https://app.steamiq.com"),
		SteamIQUsername: envStr("STEAMIQ_USERNAME", ""),
		SteamIQPassword: envStr("STEAMIQ_PASSWORD", ""),
		PublishDriver:   envStr("TRAPWATCH_PUBLISH_DRIVER", PublishDriverMQTT),
		KafkaBrokers:    envStr("KAFKA_BROKERS", ""),
		KafkaTopic:      envStr("KAFKA_TOPIC", "trapwatch.samples"),
		APIKey:          envStr("TRAPWATCH_API_KEY", ""),
		OTELEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:     envStr("OTEL_SERVICE_NAME", "trapwatch"),
		LogLevel:        envStr("TRAPWATCH_LOG_LEVEL", "info"),
	}

	var err error
	cfg.SteamIQChunkSize, err = envInt("STEAMIQ_CHUNK_SIZE", 100)
	collect(err)
	cfg.SteamIQMaxPoints, err = envInt("STEAMIQ_MAX_POINTS", 20000)
	collect(err)
	cfg.SteamIQTimeout, err = envDuration("STEAMIQ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.SteamIQRPS, err = envFloat("STEAMIQ_RPS", 2)
	collect(err)
	cfg.PublishInterval, err = envDuration("TRAPWATCH_PUBLISH_INTERVAL", 15*time.Second)
	collect(err)
	cfg.Concurrency, err = envInt("TRAPWATCH_CONCURRENCY", 1)
	collect(err)
	cfg.RunInterval, err = envDuration("TRAPWATCH_RUN_INTERVAL", time.Hour)
	collect(err)
	cfg.Port, err = envInt("TRAPWATCH_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("TRAPWATCH_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("TRAPWATCH_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("TRAPWATCH_RATE_LIMIT_RPS", 20)
	collect(err)
	cfg.RateLimitBurst, err = envInt("TRAPWATCH_RATE_LIMIT_BURST", 40)
	collect(err)
	cfg.OTELInsecure, err = envBool("OTEL_INSECURE", false)
	collect(err)
	maxBody, err := envInt("TRAPWATCH_MAX_REQUEST_BODY_BYTES", 4*1024*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and the fields each driver requires.
func (c Config) Validate() error {
	switch c.StateDriver {
	case StateDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: TRAPWATCH_SQLITE_PATH is required for the sqlite state driver")
		}
	case StateDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres state driver")
		}
	case StateDriverFile:
		if c.StateDir == "" {
			return fmt.Errorf("config: TRAPWATCH_STATE_DIR is required for the file state driver")
		}
	default:
		return fmt.Errorf("config: unknown TRAPWATCH_STATE_DRIVER %q", c.StateDriver)
	}

	switch c.PublishDriver {
	case PublishDriverMQTT, PublishDriverLog, PublishDriverNone:
	case PublishDriverKafka:
		if c.KafkaBrokers == "" {
			return fmt.Errorf("config: KAFKA_BROKERS is required for the kafka publish driver")
		}
	default:
		return fmt.Errorf("config: unknown TRAPWATCH_PUBLISH_DRIVER %q", c.PublishDriver)
	}

	if c.SteamIQChunkSize <= 0 {
		return fmt.Errorf("config: STEAMIQ_CHUNK_SIZE must be positive")
	}
	if c.SteamIQMaxPoints <= 0 {
		return fmt.Errorf("config: STEAMIQ_MAX_POINTS must be positive")
	}
	if c.SteamIQRPS <= 0 {
		return fmt.Errorf("config: STEAMIQ_RPS must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: TRAPWATCH_CONCURRENCY must be positive")
	}
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: TRAPWATCH_RATE_LIMIT_RPS must not be negative and needs a positive burst")
	}
	if c.RunInterval < 0 || c.PublishInterval < 0 {
		return fmt.Errorf("config: intervals must not be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TRAPWATCH_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// ValidateForRuns checks the settings only needed when telemetry is fetched.
func (c Config) ValidateForRuns() error {
	if c.SteamIQUsername == "" || c.SteamIQPassword == "" {
		return fmt.Errorf("config: STEAMIQ_USERNAME and STEAMIQ_PASSWORD are required to fetch telemetry")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
