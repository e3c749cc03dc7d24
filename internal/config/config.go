package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the vault process configuration
type Config struct {
	// StorePath is the path to the local SQLite store
	StorePath string `yaml:"store_path"`

	// LogLevel sets the zerolog level (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Session configuration
	Session SessionConfig `yaml:"session"`

	// KeyCache configuration
	KeyCache KeyCacheConfig `yaml:"key_cache"`
}

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	WindowSeconds        int `yaml:"window_seconds"`
	MaxAgeHours          int `yaml:"max_age_hours"`
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// KeyCacheConfig holds in-memory key cache settings
type KeyCacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would disable the protections outright.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	if c.Session.WindowSeconds <= 0 {
		return fmt.Errorf("session.window_seconds must be positive")
	}
	if c.Session.MaxAgeHours <= 0 {
		return fmt.Errorf("session.max_age_hours must be positive")
	}
	if c.Session.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("session.check_interval_seconds must be positive")
	}
	if c.KeyCache.TTLSeconds <= 0 {
		return fmt.Errorf("key_cache.ttl_seconds must be positive")
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		StorePath: "finvault.db",
		LogLevel:  "info",
		Session: SessionConfig{
			WindowSeconds:        300,
			MaxAgeHours:          24,
			CheckIntervalSeconds: 2,
		},
		KeyCache: KeyCacheConfig{
			TTLSeconds: 300,
		},
	}
}
