package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Config holds configuration settings for the flow engine
	Config struct {
		// API server
		APIHost  string
		APIPort  int
		LogLevel string

		// Durable store
		Store StoreConfig

		// Retry service
		RetrySweepInterval time.Duration
		RetryMaxInFlight   int

		// Archiver
		ArchiveBucketURL string
		ArchiveAge       time.Duration
		ArchiveInterval  time.Duration

		// Engine
		DefaultStepTimeout time.Duration
		EventTailLength    int
		BranchNestingMax   int
		ShutdownTimeout    time.Duration
	}

	// StoreConfig holds Redis connection settings for the durable store
	StoreConfig struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
	}
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "flowengine"
	DefaultRedisDB       = 0

	DefaultRetrySweepInterval = 60 * time.Second
	DefaultRetryMaxInFlight   = 16
	MaxRetryMaxInFlight       = 4096

	DefaultArchiveAge      = 30 * 24 * time.Hour
	DefaultArchiveInterval = time.Hour

	DefaultStepTimeout     = 30 * time.Second
	DefaultEventTailLength = 100
	DefaultBranchNesting   = 4
	MaxBranchNesting       = 64
	MaxEventTailLength     = 100_000
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrInvalidAPIPort     = errors.New("invalid API port")
	ErrInvalidStepTimeout = errors.New("step timeout must be positive")
	ErrInvalidSweep       = errors.New(
		"retry sweep interval must be positive",
	)
	ErrInvalidInFlight = errors.New(
		"retry max in-flight must be positive",
	)
	ErrInvalidNesting = errors.New(
		"branch nesting max must be positive",
	)
)

// NewDefaultConfig creates a configuration with sensible defaults for all
// engine settings, the store, and the retry service
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",
		Store: StoreConfig{
			Addr:   DefaultRedisEndpoint,
			Prefix: DefaultRedisPrefix,
			DB:     DefaultRedisDB,
		},
		RetrySweepInterval: DefaultRetrySweepInterval,
		RetryMaxInFlight:   DefaultRetryMaxInFlight,
		ArchiveAge:         DefaultArchiveAge,
		ArchiveInterval:    DefaultArchiveInterval,
		DefaultStepTimeout: DefaultStepTimeout,
		EventTailLength:    DefaultEventTailLength,
		BranchNestingMax:   DefaultBranchNesting,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any value cannot be parsed or is out of range
func (c *Config) LoadFromEnv() error {
	if addr := os.Getenv("STORE_REDIS_ADDR"); addr != "" {
		c.Store.Addr = addr
	}
	if password := os.Getenv("STORE_REDIS_PASSWORD"); password != "" {
		c.Store.Password = password
	}
	if prefix := os.Getenv("STORE_REDIS_PREFIX"); prefix != "" {
		c.Store.Prefix = prefix
	}
	if dbStr := os.Getenv("STORE_REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Store.DB = db
		}
	}
	if apiHost := os.Getenv("API_HOST"); apiHost != "" {
		c.APIHost = apiHost
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}
	if bucket := os.Getenv("ARCHIVE_BUCKET_URL"); bucket != "" {
		c.ArchiveBucketURL = bucket
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RETRY_MAX_IN_FLIGHT", &c.RetryMaxInFlight, 0, MaxRetryMaxInFlight,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"EVENT_TAIL_LENGTH", &c.EventTailLength, 0, MaxEventTailLength,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"BRANCH_NESTING_MAX", &c.BranchNestingMax, 0, MaxBranchNesting,
	); err != nil {
		return err
	}

	if err := loadEnvDuration(
		"RETRY_SWEEP_INTERVAL", &c.RetrySweepInterval,
	); err != nil {
		return err
	}
	if err := loadEnvDuration("ARCHIVE_AGE", &c.ArchiveAge); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"ARCHIVE_INTERVAL", &c.ArchiveInterval,
	); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"STEP_TIMEOUT", &c.DefaultStepTimeout,
	); err != nil {
		return err
	}
	return loadEnvDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.DefaultStepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}
	if c.RetrySweepInterval <= 0 {
		return ErrInvalidSweep
	}
	if c.RetryMaxInFlight <= 0 {
		return ErrInvalidInFlight
	}
	if c.BranchNestingMax <= 0 {
		return ErrInvalidNesting
	}
	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max]
func loadEnvInt(key string, dst *int, min, max int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	if v <= min || v > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, v, min+1, max)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive", key)
	}
	*dst = d
	return nil
}
