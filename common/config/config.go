package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	HTTP      HTTPConfig
	Cloud     CloudConfig
	Worker    WorkerConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name      string
	Host      string
	Port      int
	ServerURL string
	Schema    string
	CatalogID string
	LogLevel  string
	LogFormat string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	// ConnString, when set (NOETL_PGDB), wins over the discrete fields.
	ConnString     string
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConns       int
	MinConns       int
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
	StartupTimeout time.Duration
	RetryInterval  time.Duration
}

// QueueConfig holds execution queue settings
type QueueConfig struct {
	Type      string // "memory" or "redis"
	RedisAddr string
	Stream    string
	Group     string
}

// HTTPConfig holds HTTP plugin settings
type HTTPConfig struct {
	MockLocal   bool
	MockOnError bool
	Timeout     time.Duration
}

// CloudConfig holds default cloud credential references
type CloudConfig struct {
	GCSCredential string
	S3Credential  string
}

// WorkerConfig holds worker process settings
type WorkerConfig struct {
	ID string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			Host:      getEnv("NOETL_HOST", "0.0.0.0"),
			Port:      getEnvInt("NOETL_PORT", 8082),
			ServerURL: getEnv("NOETL_SERVER_URL", ""),
			Schema:    getEnv("NOETL_SCHEMA", "noetl"),
			CatalogID: getEnv("NOETL_CATALOG_ID", "default"),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			ConnString:     getEnv("NOETL_PGDB", ""),
			Host:           getEnv("POSTGRES_HOST", "localhost"),
			Port:           getEnvInt("POSTGRES_PORT", 5432),
			Database:       getEnv("POSTGRES_DB", "noetl"),
			// NOETL_USER/NOETL_PASSWORD name the engine's own database
			// role; POSTGRES_* is the instance default
			User:           getEnv("NOETL_USER", getEnv("POSTGRES_USER", "noetl")),
			Password:       getEnv("NOETL_PASSWORD", getEnv("POSTGRES_PASSWORD", "noetl")),
			MaxConns:       getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:       getEnvInt("POSTGRES_MIN_CONNS", 5),
			MaxIdleTime:    getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:    getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			StartupTimeout: getEnvDuration("NOETL_DB_STARTUP_TIMEOUT", 60*time.Second),
			RetryInterval:  getEnvDuration("NOETL_DB_RETRY_INTERVAL", 2*time.Second),
		},
		Queue: QueueConfig{
			Type:      getEnv("QUEUE_TYPE", "memory"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			Stream:    getEnv("NOETL_QUEUE_STREAM", "noetl.executions"),
			Group:     getEnv("NOETL_QUEUE_GROUP", "noetl_workers"),
		},
		HTTP: HTTPConfig{
			MockLocal:   getEnvBool("NOETL_HTTP_MOCK_LOCAL", true),
			MockOnError: getEnvBool("NOETL_HTTP_MOCK_ON_ERROR", false),
			Timeout:     getEnvDuration("NOETL_HTTP_TIMEOUT", 30*time.Second),
		},
		Cloud: CloudConfig{
			GCSCredential: getEnv("NOETL_GCS_CREDENTIAL", ""),
			S3Credential:  getEnv("NOETL_S3_CREDENTIAL", ""),
		},
		Worker: WorkerConfig{
			ID: getEnv("WORKER_ID", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("NOETL_ENABLE_PPROF", false),
			PprofPort:   getEnvInt("NOETL_PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.ConnString == "" && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	if c.Database.ConnString != "" {
		return c.Database.ConnString
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// ServerURL returns the base URL used by CLI clients to reach the server
func (c *Config) ServerURL() string {
	if c.Service.ServerURL != "" {
		return c.Service.ServerURL
	}
	host := c.Service.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Service.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare integers are seconds, matching the env var contract
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
