package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

const migrationsTable = "schema_migrations"

// Config содержит настройки для миграций
type Config struct {
	MigrationsPath string
	MigrationsFS   fs.FS
}

// driverFactory открывает драйвер БД для golang-migrate.
type driverFactory func(ctx context.Context) (database.Driver, string, error)

// Migrator выполняет миграции базы данных
type Migrator struct {
	config Config
	open   driverFactory
}

// NewPostgresMigrator создает Migrator для пула pgx.
func NewPostgresMigrator(config Config, pool *pgxpool.Pool) *Migrator {
	return &Migrator{
		config: config,
		open: func(ctx context.Context) (database.Driver, string, error) {
			if err := pool.Ping(ctx); err != nil {
				return nil, "", fmt.Errorf("failed to reach database: %w", err)
			}
			db := stdlib.OpenDBFromPool(pool)
			driver, err := postgres.WithInstance(db, &postgres.Config{
				MigrationsTable:       migrationsTable,
				MigrationsTableQuoted: true,
			})
			if err != nil {
				_ = db.Close()
				return nil, "", fmt.Errorf("failed to create postgres driver: %w", err)
			}
			return driver, "postgres", nil
		},
	}
}

// NewSQLiteMigrator создает Migrator для файла SQLite.
// It opens its own connection because the sqlite driver closes the handle it is given.
func NewSQLiteMigrator(config Config, dsn string) *Migrator {
	return &Migrator{
		config: config,
		open: func(ctx context.Context) (database.Driver, string, error) {
			db, err := sql.Open("sqlite", dsn)
			if err != nil {
				return nil, "", fmt.Errorf("failed to open sqlite for migrations: %w", err)
			}
			driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
			if err != nil {
				_ = db.Close()
				return nil, "", fmt.Errorf("failed to create sqlite driver: %w", err)
			}
			return driver, "sqlite", nil
		},
	}
}

// Up применяет все доступные миграции
func (m *Migrator) Up(ctx context.Context) error {
	migrator, release, err := m.createMigrator(ctx)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer release()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Ctx(ctx).Info().Msg("database migrations applied successfully")
	return nil
}

// Down откатывает все миграции
func (m *Migrator) Down(ctx context.Context) error {
	migrator, release, err := m.createMigrator(ctx)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer release()

	if err := migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}

	log.Ctx(ctx).Info().Msg("database migrations rolled back successfully")
	return nil
}

// Version возвращает текущую версию миграции
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	migrator, release, err := m.createMigrator(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrator: %w", err)
	}
	defer release()

	version, dirty, err := migrator.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}

// createMigrator создает экземпляр migrate.Migrate
func (m *Migrator) createMigrator(ctx context.Context) (*migrate.Migrate, func(), error) {
	driver, name, err := m.open(ctx)
	if err != nil {
		return nil, nil, err
	}

	source, err := iofs.New(m.config.MigrationsFS, m.config.MigrationsPath)
	if err != nil {
		_ = driver.Close()
		return nil, nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		_ = source.Close()
		_ = driver.Close()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	migrator.LockTimeout = 30 * time.Second

	release := func() {
		if srcErr, dbErr := migrator.Close(); srcErr != nil || dbErr != nil {
			log.Ctx(ctx).Warn().AnErr("source_error", srcErr).AnErr("db_error", dbErr).Msg("failed to close migrator")
		}
	}
	return migrator, release, nil
}
