// Package db opens the fleet database and brings its schema up to date.
//
// SQLite (pure Go) is migrated from the model structs; PostgreSQL runs the
// embedded SQL migrations and additionally exposes a pgx pool for the
// River job queue.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/d9705996/fleetd/internal/config"
	"github.com/d9705996/fleetd/internal/model"
	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is an open database. Pool is nil unless the driver is postgres.
type Store struct {
	Gorm *gorm.DB
	Pool *pgxpool.Pool
}

// Open connects using cfg and migrates the schema. Statements slower than
// cfg.SlowQuery are logged to log at warn level; a nil log silences gorm.
func Open(ctx context.Context, cfg *config.DBConfig, log *slog.Logger) (*Store, error) {
	gc := &gorm.Config{
		Logger: gormLogger(cfg, log),
		// Unique violations surface as gorm.ErrDuplicatedKey on both drivers.
		TranslateError: true,
	}
	if cfg.Driver == "postgres" {
		return openPostgres(ctx, cfg, gc)
	}
	gdb, err := openSQLite(cfg.File, gc)
	if err != nil {
		return nil, err
	}
	return &Store{Gorm: gdb}, nil
}

func gormLogger(cfg *config.DBConfig, log *slog.Logger) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.NewSlogLogger(log.With("component", "db"), logger.Config{
		SlowThreshold:             cfg.SlowQuery,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Ping checks that the database still answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.Gorm.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool(s).
func (s *Store) Close() {
	if sqlDB, err := s.Gorm.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func openSQLite(file string, gc *gorm.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(sqliteDSN(file)), gc)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if file == ":memory:" {
		// Each connection to :memory: is a separate database.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("sqlite automigrate: %w", err)
	}
	return gdb, nil
}

// sqliteDSN appends pragmas so every pooled connection gets them.
func sqliteDSN(file string) string {
	if strings.Contains(file, "?") {
		return file
	}
	dsn := file + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if file != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	return dsn
}

func openPostgres(ctx context.Context, cfg *config.DBConfig, gc *gorm.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse db dsn: %w", err)
	}
	if cfg.MaxConns > math.MaxInt32 {
		return nil, fmt.Errorf("DB_MAX_CONNS %d exceeds maximum value (%d)", cfg.MaxConns, math.MaxInt32)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	// The schema must be current before anything, River included, uses it.
	if err := migratePostgres(poolCfg.ConnConfig); err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), gc)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm/postgres: %w", err)
	}
	return &Store{Gorm: gdb, Pool: pool}, nil
}

// migratePostgres applies pending migrations over a dedicated connection.
func migratePostgres(connCfg *pgx.ConnConfig) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}
	sqlDB := stdlib.OpenDB(*connCfg)
	defer func() { _ = sqlDB.Close() }()

	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
