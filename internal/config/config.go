// Package config loads the sync engine configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable of the offline engine.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Blob    BlobConfig    `yaml:"blob"`
}

// StorageConfig selects the local durable store backend.
type StorageConfig struct {
	// Driver is sqlite or memory (default sqlite).
	Driver string `yaml:"driver"`
	// SQLitePath is the database file path (default ./fieldcore.db).
	SQLitePath string `yaml:"sqlite_path"`
}

// RemoteConfig points at the hosted system of record.
type RemoteConfig struct {
	DSN string `yaml:"dsn"`
}

// SyncConfig tunes the drain behaviour.
type SyncConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	RetryCeiling int           `yaml:"retry_ceiling"`
	Workers      int           `yaml:"workers"`
}

// BlobConfig selects the export backup backend.
type BlobConfig struct {
	// Driver is fs, s3, or memory (default fs).
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "fieldcore.db"},
		Sync: SyncConfig{
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
			RetryCeiling: 5,
			Workers:      4,
		},
		Blob: BlobConfig{Driver: "fs", FSRoot: "./exports"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides, taking precedence over the file:
//
//	FIELDCORE_STORAGE_DRIVER: sqlite|memory
//	FIELDCORE_SQLITE_PATH: path to the sqlite file
//	FIELDCORE_REMOTE_DSN: postgres DSN of the system of record
//	FIELDCORE_BLOB_DRIVER / FIELDCORE_BLOB_FS_ROOT: export backend
func (c *Config) applyEnv() {
	if v := os.Getenv("FIELDCORE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("FIELDCORE_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("FIELDCORE_REMOTE_DSN"); v != "" {
		c.Remote.DSN = v
	}
	if v := os.Getenv("FIELDCORE_BLOB_DRIVER"); v != "" {
		c.Blob.Driver = v
	}
	if v := os.Getenv("FIELDCORE_BLOB_FS_ROOT"); v != "" {
		c.Blob.FSRoot = v
	}
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Sync.BaseDelay < 0 || c.Sync.MaxDelay < 0 {
		return fmt.Errorf("negative backoff delay")
	}
	if c.Sync.RetryCeiling < 0 {
		return fmt.Errorf("negative retry ceiling")
	}
	return nil
}
