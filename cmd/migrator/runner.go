package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/url"
	"os"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/redshift" // Registers the redshift:// driver
	_ "github.com/lib/pq"                                      // PostgreSQL driver

	"github.com/correlator-io/songplays/internal/warehouse"
	"github.com/correlator-io/songplays/migrations"
)

type (
	// MigrationRunner defines the interface for running database migrations
	MigrationRunner interface {
		// Up applies all pending migrations
		Up() error

		// Down rollbacks the last migration
		Down() error

		// Status shows the current migration status
		Status() error

		// Version shows the current migration version
		Version() error

		// Force records version as applied without running it and clears the dirty flag
		Force(version int) error

		// Reset rolls back every applied migration
		Reset() error

		// Close closes any open connections
		Close() error
	}

	// migrationRunner implements MigrationRunner using golang-migrate
	migrationRunner struct {
		config  *Config
		catalog *migrations.Catalog
		migrate *migrate.Migrate
		db      *sql.DB
		out     io.Writer
	}

	// migrateLogger implements the migrate.Logger interface
	migrateLogger struct{}
)

// Ensure we implement the interface at compile time
var _ migrate.Logger = (*migrateLogger)(nil)

// Add io.Writer interface compliance for broader compatibility
var _ io.Writer = (*migrateLogger)(nil)

// NewMigrationRunner creates a new migration runner with the given configuration
func NewMigrationRunner(config *Config) (MigrationRunner, error) {
	log.Printf("Initializing migration runner with config: %s", config.String())

	var filesystem fs.FS
	if config.MigrationsPath != "" {
		filesystem = os.DirFS(config.MigrationsPath)
	}

	catalog := migrations.New(filesystem)
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("migration validation failed: %w", err)
	}

	src, err := catalog.Source()
	if err != nil {
		return nil, err
	}

	runner := &migrationRunner{config: config, catalog: catalog, out: os.Stdout}

	switch config.Dialect {
	case warehouse.DialectRedshift:
		// The redshift driver opens its own connection from the URL.
		dsn, err := redshiftURL(config.DatabaseURL, config.MigrationTable)
		if err != nil {
			_ = src.Close()

			return nil, err
		}

		runner.migrate, err = migrate.NewWithSourceInstance("iofs", src, dsn)
		if err != nil {
			_ = src.Close()

			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
	default:
		db, err := sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			_ = src.Close()

			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}

		if err := db.Ping(); err != nil {
			_ = db.Close()
			_ = src.Close()

			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		log.Println("Database connection established successfully")

		driver, err := postgres.WithInstance(db, &postgres.Config{
			MigrationsTable: config.MigrationTable,
		})
		if err != nil {
			_ = db.Close()
			_ = src.Close()

			return nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}

		runner.db = db

		runner.migrate, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}

	runner.migrate.Log = &migrateLogger{}

	log.Printf("Migration runner initialized successfully (%d migrations available)", catalog.MaxVersion())

	return runner, nil
}

// redshiftURL rewrites a postgres:// connection string for the redshift driver.
func redshiftURL(databaseURL, table string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid database URL: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql", "redshift":
	default:
		return "", fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}

	u.Scheme = "redshift"

	q := u.Query()
	q.Set("x-migrations-table", table)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Up applies all pending migrations
func (r *migrationRunner) Up() error {
	log.Println("Starting migration up...")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")
	} else {
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rollbacks the last migration
func (r *migrationRunner) Down() error {
	log.Println("Starting migration down...")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to rollback")
	} else {
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Status shows the current migration status
func (r *migrationRunner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			_, _ = fmt.Fprintln(r.out, "Migration Status: No migrations applied yet")
			r.showPendingMigrations(0)

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	status := "clean"
	if dirty {
		status = "dirty (needs manual intervention)"
	}

	_, _ = fmt.Fprintf(r.out, "Migration Status: Version %d (%s)\n", ver, status)
	r.showPendingMigrations(ver)

	return nil
}

// Version shows the current migration version
func (r *migrationRunner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			_, _ = fmt.Fprintln(r.out, "Current Version: No migrations applied")

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	dirtyNote := ""
	if dirty {
		dirtyNote = " (dirty)"
	}

	_, _ = fmt.Fprintf(r.out, "Current Version: %d%s\n", ver, dirtyNote)

	return nil
}

// Force sets the recorded version after a failed migration left the table dirty.
func (r *migrationRunner) Force(version int) error {
	if version > r.catalog.MaxVersion() {
		return fmt.Errorf("version %d is beyond the latest migration %d", version, r.catalog.MaxVersion())
	}

	log.Printf("Forcing migration version %d...", version)

	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}

	_, _ = fmt.Fprintf(r.out, "Current Version: %d (forced)\n", version)

	return nil
}

// Reset rolls back every applied migration. Warehouse relations are left untouched.
func (r *migrationRunner) Reset() error {
	log.Println("Rolling back all migrations...")

	err := r.migrate.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reset failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to roll back")
	} else {
		log.Println("All migrations rolled back successfully")
	}

	return nil
}

// Close closes database connections
func (r *migrationRunner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// showPendingMigrations compares the applied version with the catalog.
func (r *migrationRunner) showPendingMigrations(current uint) {
	latest := uint(max(r.catalog.MaxVersion(), 0))

	if current >= latest {
		_, _ = fmt.Fprintln(r.out, "Pending migrations: none")

		return
	}

	_, _ = fmt.Fprintf(r.out, "Pending migrations: %d (latest version %d)\n", latest-current, latest)
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}

func (l *migrateLogger) Write(p []byte) (n int, err error) {
	log.Printf("[MIGRATE] %s", string(p))

	return len(p), nil
}
