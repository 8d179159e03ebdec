package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/migrations"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverSQLite   = "sqlite"

	schemeMySQL  = "mysql://"
	schemeSQLite = "sqlite://"

	sqlitePragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
)

// ledgerStore is a ledger.Store that can also report reachability.
type ledgerStore interface {
	ledger.Store
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, cfg *runtimeConfig, logger gormlogger.Interface) (ledgerStore, func() error, error) {
	if cfg.Store == storeKindPgx {
		return openPgxStore(ctx, cfg.DatabaseURL, cfg.Migrate)
	}
	db, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(ctx, db, driver, cfg.Migrate); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(db), cleanup, nil
}

func openPgxStore(ctx context.Context, dsn string, migrate bool) (ledgerStore, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	cleanup := func() error {
		pool.Close()
		return nil
	}
	if migrate {
		sqlDB := stdlib.OpenDBFromPool(pool)
		migrateErr := migrations.Up(ctx, sqlDB)
		_ = sqlDB.Close()
		if migrateErr != nil {
			pool.Close()
			return nil, nil, migrateErr
		}
	}
	return pgstore.New(pool), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string, logger gormlogger.Interface) (*gorm.DB, func() error, string, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{Logger: logger}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(target), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// resolveDriver returns the driver name and the DSN that driver expects.
func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, dsn, nil
	}
	if strings.HasPrefix(dsn, schemeMySQL) {
		mysqlCfg, err := mysqldriver.ParseDSN(strings.TrimPrefix(dsn, schemeMySQL))
		if err != nil {
			return "", "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mysqlCfg.ParseTime = true
		return driverMySQL, mysqlCfg.FormatDSN(), nil
	}
	if strings.HasPrefix(dsn, schemeSQLite) {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "ledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqliteDSN(sqlitePath), err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqliteDSN(sqlitePath), err
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + sqlitePragmas
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema auto-migrates SQLite always; Postgres runs the goose migrations and MySQL
// auto-migrates only when asked.
func prepareSchema(ctx context.Context, db *gorm.DB, driver string, migrate bool) error {
	switch driver {
	case driverSQLite:
	case driverPostgres:
		if !migrate {
			return nil
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return migrations.Up(ctx, sqlDB)
	default:
		if !migrate {
			return nil
		}
	}
	if err := gormstore.New(db).Migrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
