package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.msgvault/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Server ServerConfig `toml:"server"`
	Cache  CacheConfig  `toml:"cache"`
	Media  MediaConfig  `toml:"media"`
	Queue  QueueConfig  `toml:"queue"`
	Sync   SyncConfig   `toml:"sync"`
}

// ServerConfig points at the server of record.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// CacheConfig bounds the message cache.
type CacheConfig struct {
	RetentionDays int   `toml:"retention_days"`
	MaxBytes      int64 `toml:"max_bytes"`
	SweepMinutes  int   `toml:"sweep_minutes"`
}

// MediaConfig bounds the media store.
type MediaConfig struct {
	Backend  string `toml:"backend"` // sqlite, fs, memory
	MaxItems int    `toml:"max_items"`
	MaxBytes int64  `toml:"max_bytes"`
}

// QueueConfig controls offline operation retries.
type QueueConfig struct {
	MaxRetries      int `toml:"max_retries"`
	InitialDelayMS  int `toml:"initial_delay_ms"`
	MaxDelaySeconds int `toml:"max_delay_seconds"`
}

// SyncConfig controls delta synchronization.
type SyncConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	PageSize       int `toml:"page_size"`
	ResyncWindow   int `toml:"resync_window"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8900",
		},
		Cache: CacheConfig{
			RetentionDays: 30,
			MaxBytes:      256 << 20,
			SweepMinutes:  60,
		},
		Media: MediaConfig{
			Backend:  "sqlite",
			MaxItems: 500,
			MaxBytes: 128 << 20,
		},
		Queue: QueueConfig{
			MaxRetries:      5,
			InitialDelayMS:  1000,
			MaxDelaySeconds: 300,
		},
		Sync: SyncConfig{
			TimeoutSeconds: 30,
			PageSize:       100,
			ResyncWindow:   200,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers that tolerate a missing file should fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, returning defaults when absent.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
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
