// Package config provides configuration loading and management for Neuralake services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for Neuralake services.
type Config struct {
	// Version is the application version
	Version string

	// Environment is the deployment environment (development, staging, production)
	Environment string

	// API configuration
	API APIConfig

	// Database configuration for the lease database
	Database DatabaseConfig

	// MinIO/S3 configuration
	Storage StorageConfig

	// Store configuration for the versioned table store
	Store StoreConfig

	// Catalog configuration
	Catalog CatalogConfig

	// Maintenance configuration for the background worker
	Maintenance MaintenanceConfig

	// Metrics configuration
	Metrics MetricsConfig
}

// APIConfig holds API server configuration.
type APIConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr string

	// BaseURL is the external base URL of the API
	BaseURL string

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration

	// CORSOrigins is a list of allowed CORS origins (use "*" for all)
	CORSOrigins []string

	// RateLimitRPS is the rate limit in requests per second
	RateLimitRPS float64

	// RateLimitBurst is the maximum burst size for rate limiting
	RateLimitBurst int
}

// DatabaseConfig holds lease database connection configuration.
type DatabaseConfig struct {
	// Host is the database host
	Host string

	// Port is the database port
	Port int

	// Name is the database name
	Name string

	// User is the database user
	User string

	// Password is the database password
	Password string

	// SSLMode is the SSL mode (disable, require, verify-ca, verify-full)
	SSLMode string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int
}

// DSN returns the database connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
	)
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Endpoint is the S3/MinIO endpoint
	Endpoint string

	// AccessKey is the access key
	AccessKey string

	// SecretKey is the secret key
	SecretKey string

	// Bucket is the bucket holding table data and logs
	Bucket string

	// Region is the bucket region
	Region string

	// UseSSL enables SSL for the connection
	UseSSL bool

	// EncryptionKey is an optional base64-encoded AES-256 key. When set,
	// objects are encrypted before they reach the bucket.
	EncryptionKey string
}

// StoreConfig holds versioned table store configuration.
type StoreConfig struct {
	// BasePath is the object-store prefix tables live under
	BasePath string

	// LeaseTTL is how long an acquired table lease stays valid
	LeaseTTL time.Duration

	// LeaseWait bounds how long commits wait for the table lease
	LeaseWait time.Duration

	// TargetFileSizeBytes is the compaction threshold for small files
	TargetFileSizeBytes int64

	// Retry holds the commit retry policy
	Retry RetryConfig
}

// RetryConfig holds commit retry policy configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of commit attempts
	MaxAttempts int

	// InitialInterval is the initial backoff interval
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier
	Multiplier float64
}

// CatalogConfig holds catalog registry configuration.
type CatalogConfig struct {
	// Strict makes re-registration under an existing name an error
	Strict bool
}

// MaintenanceConfig holds background maintenance worker configuration.
type MaintenanceConfig struct {
	// CompactionSchedule is the cron schedule for compaction passes
	CompactionSchedule string

	// VacuumSchedule is the cron schedule for vacuum passes
	VacuumSchedule string

	// VacuumRetention is the retention window protecting recent versions
	VacuumRetention time.Duration
}

// MetricsConfig holds metrics/observability configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection
	Enabled bool

	// ListenAddr is the address for the metrics endpoint
	ListenAddr string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Version:     getEnv("NEURALAKE_VERSION", "0.1.0"),
		Environment: getEnv("NEURALAKE_ENV", "development"),

		API: APIConfig{
			ListenAddr:     getEnv("NEURALAKE_API_LISTEN_ADDR", ":8080"),
			BaseURL:        getEnv("NEURALAKE_API_BASE_URL", "http://localhost:8080"),
			ReadTimeout:    getDurationEnv("NEURALAKE_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDurationEnv("NEURALAKE_API_WRITE_TIMEOUT", 30*time.Second),
			CORSOrigins:    getSliceEnv("NEURALAKE_API_CORS_ORIGINS", []string{"*"}),
			RateLimitRPS:   getFloatEnv("NEURALAKE_API_RATE_LIMIT_RPS", 100),
			RateLimitBurst: getIntEnv("NEURALAKE_API_RATE_LIMIT_BURST", 200),
		},

		Database: DatabaseConfig{
			Host:         getEnv("NEURALAKE_DB_HOST", "localhost"),
			Port:         getIntEnv("NEURALAKE_DB_PORT", 5432),
			Name:         getEnv("NEURALAKE_DB_NAME", "neuralake"),
			User:         getEnv("NEURALAKE_DB_USER", "neuralake"),
			Password:     getEnv("NEURALAKE_DB_PASSWORD", "neuralake"),
			SSLMode:      getEnv("NEURALAKE_DB_SSLMODE", "disable"),
			MaxOpenConns: getIntEnv("NEURALAKE_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getIntEnv("NEURALAKE_DB_MAX_IDLE_CONNS", 5),
		},

		Storage: StorageConfig{
			Endpoint:      getEnv("NEURALAKE_STORAGE_ENDPOINT", "localhost:9000"),
			AccessKey:     getEnv("NEURALAKE_STORAGE_ACCESS_KEY", "minioadmin"),
			SecretKey:     getEnv("NEURALAKE_STORAGE_SECRET_KEY", "minioadmin"),
			Bucket:        getEnv("NEURALAKE_STORAGE_BUCKET", "neuralake"),
			Region:        getEnv("NEURALAKE_STORAGE_REGION", "us-east-1"),
			UseSSL:        getBoolEnv("NEURALAKE_STORAGE_USE_SSL", false),
			EncryptionKey: getEnv("NEURALAKE_STORAGE_ENCRYPTION_KEY", ""),
		},

		Store: StoreConfig{
			BasePath:            getEnv("NEURALAKE_STORE_BASE_PATH", "tables"),
			LeaseTTL:            getDurationEnv("NEURALAKE_STORE_LEASE_TTL", 30*time.Second),
			LeaseWait:           getDurationEnv("NEURALAKE_STORE_LEASE_WAIT", 10*time.Second),
			TargetFileSizeBytes: getInt64Env("NEURALAKE_STORE_TARGET_FILE_SIZE", 64*1024*1024),
			Retry: RetryConfig{
				MaxAttempts:     getIntEnv("NEURALAKE_STORE_RETRY_MAX_ATTEMPTS", 5),
				InitialInterval: getDurationEnv("NEURALAKE_STORE_RETRY_INITIAL_INTERVAL", 100*time.Millisecond),
				MaxInterval:     getDurationEnv("NEURALAKE_STORE_RETRY_MAX_INTERVAL", 5*time.Second),
				Multiplier:      getFloatEnv("NEURALAKE_STORE_RETRY_MULTIPLIER", 2.0),
			},
		},

		Catalog: CatalogConfig{
			Strict: getBoolEnv("NEURALAKE_CATALOG_STRICT", false),
		},

		Maintenance: MaintenanceConfig{
			CompactionSchedule: getEnv("NEURALAKE_MAINTENANCE_COMPACTION_SCHEDULE", "@every 15m"),
			VacuumSchedule:     getEnv("NEURALAKE_MAINTENANCE_VACUUM_SCHEDULE", "@daily"),
			VacuumRetention:    getDurationEnv("NEURALAKE_MAINTENANCE_VACUUM_RETENTION", 168*time.Hour), // 7 days
		},

		Metrics: MetricsConfig{
			Enabled:    getBoolEnv("NEURALAKE_METRICS_ENABLED", true),
			ListenAddr: getEnv("NEURALAKE_METRICS_LISTEN_ADDR", ":9090"),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
