package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.lingopal/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	RemoteURL      string `toml:"remote_url"`
	AnonKey        string `toml:"anon_key"`

	// Resilience tunables. Zero values fall back to defaults.
	ProbeIntervalSeconds   int `toml:"probe_interval_seconds"`
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds"`
	CacheTTLHours          int `toml:"cache_ttl_hours"`
	UploadMaxRetries       int `toml:"upload_max_retries"`
	UploadMaxAgeDays       int `toml:"upload_max_age_days"`
}

// Defaults used when the corresponding config value is unset.
const (
	DefaultProbeInterval   = 30 * time.Second
	DefaultCleanupInterval = 2 * time.Minute
	DefaultCacheTTL        = 24 * time.Hour
	DefaultUploadRetries   = 3
	DefaultUploadMaxAge    = 7 // days
)

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	if c.ProbeIntervalSeconds > 0 {
		return time.Duration(c.ProbeIntervalSeconds) * time.Second
	}
	return DefaultProbeInterval
}

// CleanupInterval returns the background cleanup cycle interval.
func (c *Config) CleanupInterval() time.Duration {
	if c.CleanupIntervalSeconds > 0 {
		return time.Duration(c.CleanupIntervalSeconds) * time.Second
	}
	return DefaultCleanupInterval
}

// CacheTTL returns the offline cache entry time-to-live.
func (c *Config) CacheTTL() time.Duration {
	if c.CacheTTLHours > 0 {
		return time.Duration(c.CacheTTLHours) * time.Hour
	}
	return DefaultCacheTTL
}

// MaxRetries returns the upload retry ceiling.
func (c *Config) MaxRetries() int {
	if c.UploadMaxRetries > 0 {
		return c.UploadMaxRetries
	}
	return DefaultUploadRetries
}

// MaxAgeDays returns the upload queue eviction age in days.
func (c *Config) MaxAgeDays() int {
	if c.UploadMaxAgeDays > 0 {
		return c.UploadMaxAgeDays
	}
	return DefaultUploadMaxAge
}

// Load reads config from the given path. Returns zero config and error if
// the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
