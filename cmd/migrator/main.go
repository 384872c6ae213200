// Package main provides the migration CLI for the warehouse run log (etl_runs).
//
// Migrations are compiled into the binary and validated before use. The postgres and
// redshift golang-migrate drivers are selected by DWH_DIALECT. The run log shares its
// schema with the warehouse relations, so no command here drops anything it did not
// create: reset rolls the run-log migrations back one by one.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// Version information
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("invalid arguments")
)

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *configHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	if err := executeCommand(flag.Args(), runner, os.Stdin, os.Stdout); err != nil {
		_ = runner.Close()

		log.Fatalf("Migration failed: %v", err)
	}

	if err := runner.Close(); err != nil {
		log.Printf("Warning: %v", err)
	}
}

// executeCommand runs args[0] with its arguments. Confirmation prompts read from in.
func executeCommand(args []string, runner MigrationRunner, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command given", errUsage)
	}

	command, rest := args[0], args[1:]

	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "force":
		if len(rest) != 1 {
			return fmt.Errorf("%w: force takes exactly one VERSION", errUsage)
		}

		v, err := strconv.Atoi(rest[0])
		if err != nil || v < -1 {
			return fmt.Errorf("%w: %q is not a migration version", errUsage, rest[0])
		}

		return runner.Force(v)
	case "reset":
		if !confirm(in, out, "WARNING: This rolls back every run-log migration and deletes etl_runs. Continue? (y/N): ") {
			_, _ = fmt.Fprintln(out, "Operation cancelled.")

			return nil
		}

		return runner.Reset()
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprint(out, prompt)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}

// printUsage displays usage information
func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s v%s - Run-log migration tool for the song-play warehouse

USAGE:
    %s [OPTIONS] COMMAND [ARGS]

COMMANDS:
    up             Apply all pending migrations
    down           Roll back the last migration
    status         Show migration status and pending migrations
    version        Show current migration version
    force VERSION  Record VERSION as applied and clear the dirty flag (-1 for none)
    reset          Roll back every migration (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    Warehouse connection string (REQUIRED)

    DWH_DIALECT     Migration driver: redshift or postgres
                   (default: redshift)

    MIGRATIONS_PATH Directory of migration files overriding the embedded set
                   (default: embedded)

    MIGRATION_TABLE Name of migration tracking table
                   (default: schema_migrations)

EXAMPLES:
    %s up                    # Create etl_runs
    %s status                # Show current migration status
    %s force 1               # Recover from a failed migration 2
    %s --version             # Show version information
`, name, version, name, name, name, name, name)
}
