package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/nguyentanjr/file-storage-based-aws/db"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run this while valetkey is stopped. A database advisory lock prevents two
migrators from running at once.

Usage:
  valetkey-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  valetkey-admin migrate up
  valetkey-admin migrate down --limit 2
  valetkey-admin migrate down --all
  valetkey-admin migrate version
  valetkey-admin migrate force 1
`)
}

// migrator bundles a migrate instance with the connection holding the lock.
type migrator struct {
	m    *migrate.Migrate
	db   *sql.DB
	conn *sql.Conn
}

func openMigrator(ctx context.Context, configPath string, lock bool) *migrator {
	cfg := loadConfig(configPath)

	connURL, err := db.ConnString(&cfg.Database)
	if err != nil {
		log.Fatalf("Invalid database configuration: %v", err)
	}
	m, sqlDB, err := db.NewMigrator(ctx, connURL)
	if err != nil {
		log.Fatalf("Failed to initialize migration tool: %v", err)
	}
	mg := &migrator{m: m, db: sqlDB}
	if !lock {
		return mg
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		sqlDB.Close()
		log.Fatalf("Failed to get connection for migration lock: %v", err)
	}
	if err := db.AcquireMigrationLock(ctx, conn); err != nil {
		conn.Close()
		sqlDB.Close()
		log.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	mg.conn = conn
	return mg
}

func (mg *migrator) close() {
	if mg.conn != nil {
		db.ReleaseMigrationLock(context.Background(), mg.conn)
		mg.conn.Close()
	}
	mg.db.Close()
}

func (mg *migrator) fatalf(format string, args ...any) {
	mg.close()
	log.Fatalf(format, args...)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	mg := openMigrator(ctx, *configPath, true)
	defer mg.close()

	fmt.Println("Applying UP migrations...")
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		mg.fatalf("Failed to apply UP migrations: %v", err)
	}
	fmt.Println("Migrations applied successfully.")
	showVersion(mg.m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	mg := openMigrator(ctx, *configPath, true)
	defer mg.close()

	if *all {
		version, dirty, err := mg.m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("No migrations to revert.")
				return
			}
			mg.fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			mg.fatalf("Database is in a dirty state (version %d). Please fix manually with 'force' command.", version)
		}
		fmt.Printf("Reverting all %d migration(s)...\n", version)
		if err := mg.m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			mg.fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		fmt.Printf("Reverting %d migration(s)...\n", *limit)
		if err := mg.m.Steps(-(*limit)); err != nil {
			mg.fatalf("Failed to revert migrations: %v", err)
		}
	}
	fmt.Println("Migrations reverted successfully.")
	showVersion(mg.m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	mg := openMigrator(ctx, *configPath, false)
	defer mg.close()

	showVersion(mg.m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: valetkey-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		log.Fatalf("Invalid version number: %v", err)
	}

	mg := openMigrator(ctx, *configPath, true)
	defer mg.close()

	fmt.Printf("Forcing database version to %d...\n", version)
	if err := mg.m.Force(version); err != nil {
		mg.fatalf("Failed to force version: %v", err)
	}
	fmt.Println("Version forced successfully.")
	showVersion(mg.m)
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current version: none (no migrations applied)")
			return
		}
		fmt.Printf("Failed to read migration version: %v\n", err)
		return
	}
	fmt.Printf("Current version: %d (dirty: %t)\n", version, dirty)
}
