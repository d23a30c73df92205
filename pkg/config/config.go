// Package config loads the vault host configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete vault host configuration.
type Config struct {
	Vault    VaultConfig    `yaml:"vault"`
	Rotation RotationConfig `yaml:"rotation"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// VaultConfig holds lifecycle and password-policy settings. The password
// policy floor cannot be lowered from configuration.
type VaultConfig struct {
	UserID            string `yaml:"user_id"`
	DeviceName        string `yaml:"device_name"`
	IdleTimeoutMS     int64  `yaml:"idle_timeout_ms"`
	MinPasswordLength int    `yaml:"min_password_length"`
	LockOnSleep       bool   `yaml:"lock_on_sleep"`
	LockOnScreenLock  bool   `yaml:"lock_on_screen_lock"`
	LockOnMinimize    bool   `yaml:"lock_on_minimize"`
	LockOnWindowBlur  bool   `yaml:"lock_on_window_blur"`
}

// RotationConfig holds rotation engine and scheduler settings.
type RotationConfig struct {
	IntervalDays      int     `yaml:"interval_days"`       // Scheduler threshold (default: 180)
	CheckIntervalMins int     `yaml:"check_interval_mins"` // Scheduler poll cadence (default: 60)
	RollbackThreshold float64 `yaml:"rollback_threshold"`  // Failed/total ratio (default: 0.20)
}

// StorageConfig holds file and database locations.
type StorageConfig struct {
	KeystorePath string         `yaml:"keystore_path"`
	MediaDB      *MediaDBConfig `yaml:"media_db"` // nil selects the in-memory store
}

// MediaDBConfig holds PostgreSQL settings for the media record store.
type MediaDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // Log file path (empty = stderr)
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Vault.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.Vault.DeviceName = host
		} else {
			c.Vault.DeviceName = "unnamed-device"
		}
	}
	if c.Vault.IdleTimeoutMS <= 0 {
		c.Vault.IdleTimeoutMS = 300_000
	}
	if c.Vault.MinPasswordLength <= 0 {
		c.Vault.MinPasswordLength = 16
	}
	if c.Rotation.IntervalDays <= 0 {
		c.Rotation.IntervalDays = 180
	}
	if c.Rotation.CheckIntervalMins <= 0 {
		c.Rotation.CheckIntervalMins = 60
	}
	if c.Rotation.RollbackThreshold <= 0 {
		c.Rotation.RollbackThreshold = 0.20
	}
	if c.Storage.KeystorePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Storage.KeystorePath = filepath.Join(home, ".onestar", "keystore.json")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
