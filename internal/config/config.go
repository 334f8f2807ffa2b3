package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string

	// Authentication
	JWTSecret      string
	AllowAnonymous bool

	// Storage
	StorageDriver string // memory, postgres, redis or bolt
	DatabaseURL   string
	BoltPath      string

	// Redis (optional)
	RedisURL           string
	RedisChannelPrefix string
	EventsEnabled      bool

	// Logging
	LogLevel  string
	LogFormat string

	// Sessions
	SessionGracePeriod    time.Duration
	PresenceTimeout       time.Duration
	PresenceSweepInterval time.Duration
	SaveDebounce          time.Duration
	SendQueueSize         int
	LockTimeout           time.Duration
	HistoryLimit          int
	PersistMaxElapsed     time.Duration

	// Snapshot retention
	SnapshotRetentionDays   int
	MaxSnapshotsPerDocument int
	CleanupInterval         time.Duration

	// CORS
	CORSOrigins []string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowAnonymous: getEnvBool("ALLOW_ANONYMOUS", true),

		StorageDriver: getEnv("STORAGE_DRIVER", "memory"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		BoltPath:      getEnv("BOLT_PATH", "collab.db"),

		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "collab"),
		EventsEnabled:      getEnvBool("EVENTS_ENABLED", false),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		SessionGracePeriod:    getEnvDuration("SESSION_GRACE_PERIOD", 60*time.Second),
		PresenceTimeout:       getEnvDuration("PRESENCE_TIMEOUT", 30*time.Second),
		PresenceSweepInterval: getEnvDuration("PRESENCE_SWEEP_INTERVAL", 10*time.Second),
		SaveDebounce:          getEnvDuration("SAVE_DEBOUNCE", 2*time.Second),
		SendQueueSize:         getEnvInt("SEND_QUEUE_SIZE", 256),
		LockTimeout:           getEnvDuration("LOCK_TIMEOUT", 5*time.Second),
		HistoryLimit:          getEnvInt("HISTORY_LIMIT", 1000),
		PersistMaxElapsed:     getEnvDuration("PERSIST_MAX_ELAPSED", 30*time.Second),

		SnapshotRetentionDays:   getEnvInt("SNAPSHOT_RETENTION_DAYS", 30),
		MaxSnapshotsPerDocument: getEnvInt("MAX_SNAPSHOTS_PER_DOCUMENT", 50),
		CleanupInterval:         getEnvDuration("CLEANUP_INTERVAL", time.Hour),

		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
	}
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports configuration the server cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" && !c.AllowAnonymous {
		errs = append(errs, errors.New("JWT_SECRET is required when ALLOW_ANONYMOUS is false"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters"))
	}

	switch c.StorageDriver {
	case "memory", "bolt":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	if c.EventsEnabled && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required when EVENTS_ENABLED is true"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("SEND_QUEUE_SIZE must be positive"))
	}
	if c.PersistMaxElapsed <= 0 {
		errs = append(errs, errors.New("PERSIST_MAX_ELAPSED must be positive"))
	}
	if c.PresenceSweepInterval <= 0 || c.PresenceTimeout <= 0 {
		errs = append(errs, errors.New("presence timeout and sweep interval must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
