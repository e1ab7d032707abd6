// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	JWTSecret   string
	JWTTokenTTL time.Duration

	Freshness FreshnessConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
}

// FreshnessConfig holds the per-entity freshness policies. These are policy
// values, never hardcoded at call sites.
type FreshnessConfig struct {
	Prices        time.Duration `yaml:"prices"`
	ReferenceInfo time.Duration `yaml:"reference_info"`
	Statements    time.Duration `yaml:"statements"`
}

// ProviderConfig holds settings for the external market data provider client.
type ProviderConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MinInterval time.Duration // minimum spacing between provider calls
	MaxRetries  int           // retries on transient failures, beyond the first attempt
	BackoffBase time.Duration
}

// RateLimitConfig holds inbound client rate limiting defaults.
// Identities may carry individual overrides.
type RateLimitConfig struct {
	UserRequests   int
	APIKeyRequests int
	IPRequests     int // coarse per-IP budget, also used for unauthenticated endpoints
	Window         time.Duration
}

// CacheConfig holds in-memory cache sizing.
type CacheConfig struct {
	MaxEntries    int
	SweepInterval time.Duration
}

// Load reads configuration from environment variables, with an optional
// freshness policy file (STOCKDATA_POLICY_FILE, YAML).
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("STOCKDATA_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:     absDataDir,
		Port:        getEnvAsInt("PORT", 8000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DevMode:     getEnvAsBool("DEV_MODE", false),
		JWTSecret:   getEnv("JWT_SECRET_KEY", ""),
		JWTTokenTTL: getEnvAsDuration("JWT_TOKEN_TTL", time.Hour),
		Freshness: FreshnessConfig{
			Prices:        getEnvAsDuration("FRESHNESS_PRICES", time.Hour),
			ReferenceInfo: getEnvAsDuration("FRESHNESS_REFERENCE_INFO", 24*time.Hour),
			Statements:    getEnvAsDuration("FRESHNESS_STATEMENTS", 6*time.Hour),
		},
		Provider: ProviderConfig{
			BaseURL:     getEnv("PROVIDER_BASE_URL", "https://query1.finance.yahoo.com"),
			Timeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MinInterval: getEnvAsDuration("PROVIDER_MIN_INTERVAL", time.Second),
			MaxRetries:  getEnvAsInt("PROVIDER_MAX_RETRIES", 2),
			BackoffBase: getEnvAsDuration("PROVIDER_BACKOFF_BASE", 500*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			UserRequests:   getEnvAsInt("RATE_LIMIT_USER", 1000),
			APIKeyRequests: getEnvAsInt("RATE_LIMIT_API_KEY", 500),
			IPRequests:     getEnvAsInt("RATE_LIMIT_IP", 100),
			Window:         getEnvAsDuration("RATE_LIMIT_WINDOW", time.Hour),
		},
		Cache: CacheConfig{
			MaxEntries:    getEnvAsInt("CACHE_MAX_ENTRIES", 10000),
			SweepInterval: getEnvAsDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		},
	}

	if policyFile := getEnv("STOCKDATA_POLICY_FILE", ""); policyFile != "" {
		if err := cfg.loadPolicyFile(policyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPolicyFile overrides freshness policies from a YAML file.
// Durations use Go syntax ("1h", "30m").
func (c *Config) loadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var raw struct {
		Freshness struct {
			Prices        string `yaml:"prices"`
			ReferenceInfo string `yaml:"reference_info"`
			Statements    string `yaml:"statements"`
		} `yaml:"freshness"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	set := func(dst *time.Duration, value, name string) error {
		if value == "" {
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s duration %q: %w", name, value, err)
		}
		*dst = d
		return nil
	}
	if err := set(&c.Freshness.Prices, raw.Freshness.Prices, "freshness.prices"); err != nil {
		return err
	}
	if err := set(&c.Freshness.ReferenceInfo, raw.Freshness.ReferenceInfo, "freshness.reference_info"); err != nil {
		return err
	}
	if err := set(&c.Freshness.Statements, raw.Freshness.Statements, "freshness.statements"); err != nil {
		return err
	}
	return nil
}

// Validate checks required configuration values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if c.Freshness.Prices <= 0 || c.Freshness.ReferenceInfo <= 0 || c.Freshness.Statements <= 0 {
		return fmt.Errorf("freshness policies must be positive durations")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be a positive duration")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
