// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server and CLI need to run.
type Config struct {
	// Database is a DSN: a postgres:// URL or a SQLite file path.
	Database string `yaml:"database"`
	// BlobDir is the root directory for stored log bytes.
	BlobDir string `yaml:"blob_dir"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := "/var/lib/learnlog"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".learnlog")
	}
	return &Config{
		Database: filepath.Join(dir, "learnlog.db"),
		BlobDir:  dir,
		Listen:   ":8000",
	}
}

// Load loads configuration. Priority: environment variables > config
// file > defaults. An absent config file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("LEARNLOG_CONFIG")
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".learnlog.yml")
		}
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if db := os.Getenv("LEARNLOG_DB"); db != "" {
		cfg.Database = db
	}
	if dir := os.Getenv("LEARNLOG_BLOB_DIR"); dir != "" {
		cfg.BlobDir = dir
	}
	if listen := os.Getenv("LEARNLOG_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
