// Package config provides configuration loading and validation for the service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents the service configuration that can be loaded from a JSON
// file. All fields are optional; missing values use defaults or come from
// environment variables.
type Config struct {
	// Server
	Port int `json:"port,omitempty"` // HTTP listen port

	// Storage
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL; empty runs in-memory
	BlobRoot    string `json:"blob_root,omitempty"`    // Directory for manuscript text and agent payloads

	// Provider
	Provider string `json:"provider,omitempty"` // "gemini" or "openai"
	APIKey   string `json:"api_key,omitempty"`  // Provider API key
	BaseURL  string `json:"base_url,omitempty"` // Override provider endpoint (proxies, test servers)

	// Dispatch
	MaxConcurrentReports int64 `json:"max_concurrent_reports,omitempty"` // Process-wide cap on running pipelines
	SweepIntervalSec     int   `json:"sweep_interval_sec,omitempty"`     // How often the supervisor checks for stuck runs
	StuckAfterMin        int   `json:"stuck_after_min,omitempty"`        // Running this long counts as stuck
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Port:                 8080,
		BlobRoot:             "data/blobs",
		Provider:             "gemini",
		MaxConcurrentReports: 8,
		SweepIntervalSec:     60,
		StuckAfterMin:        45,
	}
}

// SweepInterval returns the supervisor tick as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// StuckAfter returns the stuck-run cutoff as a duration.
func (c *Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterMin) * time.Minute
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// FromEnv fills empty fields from environment variables. Explicit file or
// flag values win over the environment.
func (c *Config) FromEnv() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.APIKey == "" {
		switch c.Provider {
		case "openai":
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			c.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
			c.Port = p
		}
	}
	if c.BlobRoot == "" {
		c.BlobRoot = os.Getenv("BLOB_ROOT")
	}
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.Provider != "" && c.Provider != "gemini" && c.Provider != "openai" {
		return fmt.Errorf("config error: 'provider' must be \"gemini\" or \"openai\", got %q", c.Provider)
	}
	if c.MaxConcurrentReports < 0 {
		return fmt.Errorf("config error: 'max_concurrent_reports' must be non-negative")
	}
	if c.SweepIntervalSec < 0 {
		return fmt.Errorf("config error: 'sweep_interval_sec' must be non-negative")
	}
	if c.StuckAfterMin < 0 {
		return fmt.Errorf("config error: 'stuck_after_min' must be non-negative")
	}
	return nil
}

// MergeWithDefaults returns a new Config with zero-value fields filled from
// defaults. This applies config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.BlobRoot == "" {
		result.BlobRoot = defaults.BlobRoot
	}
	if result.Provider == "" {
		result.Provider = defaults.Provider
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.BaseURL == "" {
		result.BaseURL = defaults.BaseURL
	}

	// Int fields: use default if zero
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.MaxConcurrentReports == 0 {
		result.MaxConcurrentReports = defaults.MaxConcurrentReports
	}
	if result.SweepIntervalSec == 0 {
		result.SweepIntervalSec = defaults.SweepIntervalSec
	}
	if result.StuckAfterMin == 0 {
		result.StuckAfterMin = defaults.StuckAfterMin
	}

	return result
}
