// Package config loads binder settings from a config file, environment
// variables, and built-in defaults, in that order of increasing
// precedence for env vars over file values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunable settings for the binder.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// SourceURL is the base URL of the remote catalog API.
	SourceURL string `mapstructure:"source_url"`

	// Dataset selects which bulk dataset to sync.
	Dataset string `mapstructure:"dataset"`

	// BatchSize is how many records to apply between checkpoints.
	BatchSize int `mapstructure:"batch_size"`

	// FetchAttempts bounds retries when contacting the source.
	FetchAttempts int `mapstructure:"fetch_attempts"`

	// MaxConsecutiveErrors aborts a run after this many record
	// failures in a row. Zero keeps the default, negative disables.
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// WatchDir, if set, is scanned for dropped bulk files to ingest.
	WatchDir string `mapstructure:"watch_dir"`

	// ResyncInterval triggers periodic remote syncs when positive.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`

	// LogFile enables rotating file logging when set.
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:               "binder.db",
		SourceURL:            "https://api.scryfall.com",
		Dataset:              "default-cards",
		BatchSize:            1000,
		FetchAttempts:        3,
		MaxConsecutiveErrors: 50,
		ListenAddr:           ":8080",
		ResyncInterval:       0,
		LogMaxSizeMB:         10,
		LogMaxBackups:        3,
		LogMaxAgeDays:        28,
	}
}

// Load reads configuration from an optional file plus BINDER_* env
// vars. An explicit path must exist; with an empty path the search
// covers the working directory for binder.{yaml,toml,json} and a
// missing file just yields defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("source_url", def.SourceURL)
	v.SetDefault("dataset", def.Dataset)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("fetch_attempts", def.FetchAttempts)
	v.SetDefault("max_consecutive_errors", def.MaxConsecutiveErrors)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("watch_dir", def.WatchDir)
	v.SetDefault("resync_interval", def.ResyncInterval)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("log_max_size_mb", def.LogMaxSizeMB)
	v.SetDefault("log_max_backups", def.LogMaxBackups)
	v.SetDefault("log_max_age_days", def.LogMaxAgeDays)

	v.SetEnvPrefix("BINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("binder")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the binder cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.FetchAttempts <= 0 {
		return fmt.Errorf("fetch_attempts must be positive, got %d", c.FetchAttempts)
	}
	if c.ResyncInterval < 0 {
		return fmt.Errorf("resync_interval must not be negative")
	}
	return nil
}
