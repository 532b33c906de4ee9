package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTesting     Environment = "testing"
)

func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvProduction, EnvTesting:
		return true
	}
	return false
}

type Config struct {
	Environment Environment
	Store       Store
	Token       Token
	Session     Session
	Metrics     Metrics
}

type Store struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	KeyPrefix     string
}

type Token struct {
	SigningKey       string
	SigningAlgorithm string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}

type Session struct {
	DefaultTTL time.Duration
}

type Metrics struct {
	ListenAddr string
}

func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load loads configuration from the environment with proper error handling.
func Load() (Config, error) {
	var config Config
	var err error

	config.Environment, err = getEnvEnvironmentSafe("SENTINEL_ENVIRONMENT", EnvDevelopment, false)
	if err != nil {
		return config, fmt.Errorf("environment config error: %w", err)
	}

	config.Store.RedisAddr, err = getEnvStringSafe("REDIS_ADDR", "localhost:6379", false)
	if err != nil {
		return config, fmt.Errorf("redis addr config error: %w", err)
	}

	config.Store.RedisPassword, err = getEnvStringSafe("REDIS_PASSWORD", "", false)
	if err != nil {
		return config, fmt.Errorf("redis password config error: %w", err)
	}

	config.Store.RedisDB, err = getEnvIntSafe("REDIS_DB", 0, false)
	if err != nil {
		return config, fmt.Errorf("redis db config error: %w", err)
	}

	config.Store.RedisPoolSize, err = getEnvIntSafe("REDIS_POOL_SIZE", 10, false)
	if err != nil {
		return config, fmt.Errorf("redis pool size config error: %w", err)
	}

	config.Store.DialTimeout, err = getEnvDurationSafe("REDIS_DIAL_TIMEOUT", 5*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("redis dial timeout config error: %w", err)
	}

	config.Store.ReadTimeout, err = getEnvDurationSafe("REDIS_READ_TIMEOUT", 3*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("redis read timeout config error: %w", err)
	}

	config.Store.WriteTimeout, err = getEnvDurationSafe("REDIS_WRITE_TIMEOUT", 3*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("redis write timeout config error: %w", err)
	}

	config.Store.KeyPrefix, err = getEnvStringSafe("REDIS_KEY_PREFIX", "sentinel:", false)
	if err != nil {
		return config, fmt.Errorf("redis key prefix config error: %w", err)
	}

	config.Token.SigningKey, err = getEnvStringSafe("TOKEN_SIGNING_KEY", "", true)
	if err != nil {
		return config, fmt.Errorf("token signing key config error: %w", err)
	}

	config.Token.SigningAlgorithm, err = getEnvStringSafe("TOKEN_SIGNING_ALGORITHM", "HS256", false)
	if err != nil {
		return config, fmt.Errorf("token signing algorithm config error: %w", err)
	}

	config.Token.AccessTTL, err = getEnvDurationSafe("TOKEN_ACCESS_TTL", 15*time.Minute, false)
	if err != nil {
		return config, fmt.Errorf("access token ttl config error: %w", err)
	}

	config.Token.RefreshTTL, err = getEnvDurationSafe("TOKEN_REFRESH_TTL", 7*24*time.Hour, false)
	if err != nil {
		return config, fmt.Errorf("refresh token ttl config error: %w", err)
	}

	config.Session.DefaultTTL, err = getEnvDurationSafe("SESSION_TTL", 8*time.Hour, false)
	if err != nil {
		return config, fmt.Errorf("session ttl config error: %w", err)
	}

	config.Metrics.ListenAddr, err = getEnvStringSafe("METRICS_LISTEN_ADDR", ":9090", false)
	if err != nil {
		return config, fmt.Errorf("metrics listen addr config error: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// Validate rejects configurations that would be unsafe to run with.
func (c Config) Validate() error {
	if !c.Environment.IsValid() {
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}
	if len(c.Token.SigningKey) < 32 {
		return fmt.Errorf("token signing key must be at least 32 bytes, got %d", len(c.Token.SigningKey))
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 || c.Session.DefaultTTL <= 0 {
		return fmt.Errorf("token and session TTLs must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return fmt.Errorf("access token ttl (%s) must be shorter than refresh token ttl (%s)", c.Token.AccessTTL, c.Token.RefreshTTL)
	}
	return nil
}

func getEnvStringSafe(key, defaultValue string, required bool) (string, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return "", fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	return value, nil
}

func getEnvIntSafe(key string, defaultValue int, required bool) (int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return 0, fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	return value, nil
}

func getEnvDurationSafe(key string, defaultValue time.Duration, required bool) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return 0, fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be a valid duration: %w", key, err)
	}
	return value, nil
}

func getEnvEnvironmentSafe(key string, defaultValue Environment, required bool) (Environment, error) {
	env, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return "", fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	envValue := Environment(env)
	if !envValue.IsValid() {
		return "", fmt.Errorf("environment variable %s must be one of development, production, testing", key)
	}
	return envValue, nil
}
