package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
)

// AdvisoryLockID guards schema changes against concurrent migrators.
const AdvisoryLockID int64 = 0x76616c6574 // "valet"

// NewMigrator builds a golang-migrate instance over the embedded migrations.
// The returned *sql.DB must be closed by the caller.
func NewMigrator(ctx context.Context, connURL string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// Migrate applies all pending up migrations while holding the advisory lock.
func (db *Database) Migrate(ctx context.Context) error {
	m, sqlDB, err := NewMigrator(ctx, db.connURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// session-level lock: hold it on one dedicated connection
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection for migration lock: %w", err)
	}
	defer conn.Close()

	if err := AcquireMigrationLock(ctx, conn); err != nil {
		return err
	}
	defer ReleaseMigrationLock(context.Background(), conn)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("DB: schema is up to date", "version", version, "dirty", dirty)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AcquireMigrationLock takes the session-level advisory lock or fails fast.
func AcquireMigrationLock(ctx context.Context, q queryRower) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := q.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock; is another migration running?")
	}
	return nil
}

func ReleaseMigrationLock(ctx context.Context, q queryRower) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := q.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", AdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("DB: failed to release advisory lock after migration", "error", err)
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
