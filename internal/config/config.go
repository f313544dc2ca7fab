package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds process settings read from the environment.
type Config struct {
	HTTPAddr string `validate:"required"`

	StoreDriver string `validate:"oneof=postgres memory"`
	DB          DBConfig

	JWTSecret   string `validate:"required"`
	CORSOrigins []string

	LogFile  string
	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`

	SentryDSN string
	SentryEnv string

	MinStopSeparationMeters float64 `validate:"gt=0"`
	MaxStopGapMeters        float64 `validate:"gt=0,gtfield=MinStopSeparationMeters"`
	BulkConcurrency         int     `validate:"min=1,max=128"`
	MaxImportBytes          int64   `validate:"gt=0"`
}

// DBConfig describes the Postgres connection.
type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	TimeZone string
}

// DSN builds the libpq connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone,
	)
}

var validate = validator.New()

// Load reads .env (if present) and the environment, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on env vars")
	}

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "routes"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		},
		JWTSecret:   getEnv("JWT_SECRET", "supersecret"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "")),
		LogFile:     getEnv("LOG_FILE", "./logs/app.log"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		SentryEnv:   getEnv("SENTRY_ENV", "development"),
	}

	var err error
	if cfg.MinStopSeparationMeters, err = getFloat("MIN_STOP_SEPARATION_M", 50); err != nil {
		return nil, err
	}
	if cfg.MaxStopGapMeters, err = getFloat("MAX_STOP_GAP_M", 10000); err != nil {
		return nil, err
	}
	if cfg.BulkConcurrency, err = getInt("BULK_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	maxImport, err := getInt("MAX_IMPORT_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxImportBytes = int64(maxImport)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// getEnv reads an environment variable or returns the provided default
func getEnv(key, defaultValue string) string {
	if v, exists := os.LookupEnv(key); exists {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
