package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/cardbinder/internal/config"
	"github.com/example/cardbinder/internal/store"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "binder",
	Short: "Trading-card catalog sync engine",
	Long: `binder maintains a local SQLite mirror of a remote trading-card catalog.

It downloads bulk card exports, detects which records actually changed
via content fingerprints, and applies only the changed ones, so repeat
syncs over a mostly-unchanged catalog stay cheap.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./binder.{yaml,toml,json})")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database file (overrides config)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

// openStore opens the database and makes sure the schema exists.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}
