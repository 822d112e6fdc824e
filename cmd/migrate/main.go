package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/finrules/internal/config"
	"github.com/liamcoop/finrules/internal/logger"
)

// migrator is the part of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
}

func main() {
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.Parse()

	if databaseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			logger.Fatal("Failed to load configuration", "error", err)
		}
		databaseURL = cfg.DatabaseURL
	}

	if databaseURL == "" {
		logger.Fatal("Database URL is required. Use -database flag or DATABASE_URL environment variable")
	}

	logger.Info("Connecting to database...", "migrations", migrationsPath)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		logger.Fatal("Failed to create migration instance", "error", err)
	}

	err = run(m, command, flag.Args())
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		logger.Warn("Failed to close migration instance", "source_error", srcErr, "database_error", dbErr)
	}
	if err != nil {
		logger.Error("Migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}

// run executes one migration command. steps and force take their number as
// the first argument.
func run(m migrator, command string, args []string) error {
	switch command {
	case "up":
		logger.Info("Running migrations up...")
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to run (database is up to date)")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Migrations completed successfully")

	case "down":
		logger.Info("Rolling back migrations...")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
		logger.Info("Rollback completed successfully")

	case "steps":
		n, err := numberArg(command, args)
		if err != nil {
			return err
		}
		if err := m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to migrate %d steps: %w", n, err)
		}
		logger.Info("Migrated steps", "steps", n)

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("Current version", "version", version, "dirty", dirty)

	case "force":
		version, err := numberArg(command, args)
		if err != nil {
			return err
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		logger.Info("Forced version", "version", version)

	default:
		return fmt.Errorf("unknown command: %s (use: up, down, steps, version, force)", command)
	}
	return nil
}

func numberArg(command string, args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s command requires a number: -command %s <n>", command, command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}
