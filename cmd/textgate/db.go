package main

import (
	"fmt"

	"github.com/textgate/textgate/adapters/sqlite"
	"github.com/textgate/textgate/config"
)

// openDatabase opens the configured SQLite store with migrations applied.
func openDatabase() (*sqlite.DB, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// loadConfig loads the effective configuration for CLI commands.
func loadConfig() (*config.Config, error) {
	return config.LoadWithFallback(cfgFile)
}
