package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/env"
)

const usage = `Usage: migrate <command>

Commands:
  up       apply all pending migrations
  down     roll back the last migration
  goto N   migrate to version N
  status   print the current migration version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	db := cfg.Database
	log.Printf("Connecting to database: %s@%s:%s/%s", db.User, db.Host, db.Port, db.Name)

	m, err := migrate.New(env.GetEnv("MIGRATIONS_PATH", "file://migrations"), db.MigrateURL())
	if err != nil {
		log.Fatalf("Failed to initialise migrations: %v", err)
	}

	runErr := run(m, os.Args[1], os.Args[2:])
	if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
		log.Printf("Failed to close migration resources: %v, %v", sourceErr, dbErr)
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}

func run(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		return report(m.Up(), "Migrations applied", "No change: database is already up to date")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("roll back the last migration: %w", err)
		}
		log.Println("Rolled back the last migration")
		return nil

	case "goto":
		if len(args) == 0 {
			return errors.New("goto needs a version number")
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[0], err)
		}
		return report(m.Migrate(uint(version)),
			fmt.Sprintf("Migrated to version %d", version),
			fmt.Sprintf("No change: database is already at version %d", version))

	case "status":
		version, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			log.Println("No migrations have been applied yet")
		case err != nil:
			return fmt.Errorf("read the migration version: %w", err)
		case dirty:
			log.Printf("Current migration version: %d (dirty)", version)
		default:
			log.Printf("Current migration version: %d", version)
		}
		return nil

	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// report treats migrate.ErrNoChange as success.
func report(err error, applied, unchanged string) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println(unchanged)
	case err != nil:
		return err
	default:
		log.Println(applied)
	}
	return nil
}
