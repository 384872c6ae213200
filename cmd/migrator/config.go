package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/correlator-io/songplays/internal/config"
	"github.com/correlator-io/songplays/internal/storage"
	"github.com/correlator-io/songplays/internal/warehouse"
)

var (
	errDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	errMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the warehouse connection string
	DatabaseURL string

	// Dialect selects the golang-migrate database driver: postgres or redshift
	Dialect warehouse.Dialect

	// MigrationsPath overrides the embedded migrations with a directory. Empty uses the
	// migrations compiled into the binary.
	MigrationsPath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	dialect, err := warehouse.ParseDialect(
		config.GetEnvStr("DWH_DIALECT", string(warehouse.DefaultOptions().Dialect)),
	)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		Dialect:        dialect,
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return errMigrationTableEmpty
	}

	if c.MigrationsPath == "" {
		return nil
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	c.MigrationsPath = absPath

	if _, err := os.Stat(c.MigrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", c.MigrationsPath)
	}

	return nil
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	source := c.MigrationsPath
	if source == "" {
		source = "embedded"
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, Dialect: %s, Migrations: %s, MigrationTable: %s}",
		c.maskedURL(), c.Dialect, source, c.MigrationTable)
}

func (c *Config) maskedURL() string {
	return storage.MaskURL(c.DatabaseURL)
}
