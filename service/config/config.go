package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration (optional, enables the payment archive)
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Kin network configuration
	Environment Environment

	// Horizon client configuration
	HTTPTimeout time.Duration

	// Payment listener reconnect configuration
	ListenerInitialBackoff time.Duration
	ListenerMaxBackoff     time.Duration
	ListenerMaxReconnects  int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Kin network configuration
	env, err := loadEnvironment()
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Environment = env
	}

	// Horizon client configuration
	timeout, err := parseDuration("HTTP_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.HTTPTimeout = timeout
	}

	// Listener configuration
	initial, err := parseDuration("LISTENER_INITIAL_BACKOFF", "500ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ListenerInitialBackoff = initial
	}

	maxBackoff, err := parseDuration("LISTENER_MAX_BACKOFF", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ListenerMaxBackoff = maxBackoff
	}

	maxReconnects, err := parseInt("LISTENER_MAX_RECONNECTS", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ListenerMaxReconnects = maxReconnects
	}

	if cfg.ListenerInitialBackoff > cfg.ListenerMaxBackoff {
		errs = append(errs, fmt.Errorf("LISTENER_INITIAL_BACKOFF (%v) cannot be greater than LISTENER_MAX_BACKOFF (%v)",
			cfg.ListenerInitialBackoff, cfg.ListenerMaxBackoff))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Environment.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTPTimeout must be positive"))
	}

	if c.ListenerInitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("ListenerInitialBackoff must be positive"))
	}

	if c.ListenerInitialBackoff > c.ListenerMaxBackoff {
		errs = append(errs, fmt.Errorf("ListenerInitialBackoff cannot be greater than ListenerMaxBackoff"))
	}

	if c.ListenerMaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("ListenerMaxReconnects cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// loadEnvironment picks a preset by KIN_ENVIRONMENT and applies any
// KIN_HORIZON_URL, KIN_NETWORK_PASSPHRASE and KIN_FRIENDBOT_URL overrides.
func loadEnvironment() (Environment, error) {
	env, err := EnvironmentByName(getEnvOrDefault("KIN_ENVIRONMENT", EnvironmentTestnet))
	if err != nil {
		return Environment{}, fmt.Errorf("KIN_ENVIRONMENT: %w", err)
	}

	if v := os.Getenv("KIN_HORIZON_URL"); v != "" {
		env.HorizonURL = v
	}
	if v := os.Getenv("KIN_NETWORK_PASSPHRASE"); v != "" {
		env.NetworkPassphrase = v
	}
	if v, ok := os.LookupEnv("KIN_FRIENDBOT_URL"); ok {
		env.FriendbotURL = v
	}

	if err := env.Validate(); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
