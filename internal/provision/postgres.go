// Package provision creates and drops the per-session databases handed to
// sandboxes.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// duplicateDatabase is SQLSTATE 42P04, raised when a concurrent CREATE
// DATABASE won.
const duplicateDatabase = "42P04"

// Postgres provisions databases on a server reached through an
// administrative connection.
type Postgres struct {
	db       *gorm.DB
	adminDSN *url.URL
	logger   *slog.Logger
}

// NewPostgres opens the administrative connection. adminDSN must be a
// postgres:// URL whose user may CREATE DATABASE.
func NewPostgres(adminDSN string, log *slog.Logger) (*Postgres, error) {
	u, err := url.Parse(adminDSN)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return nil, fmt.Errorf("admin DSN must be a postgres:// URL")
	}

	db, err := gorm.Open(postgres.Open(adminDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)

	return &Postgres{db: db, adminDSN: u, logger: log.With("component", "provisioner")}, nil
}

// Ensure creates dbName if it does not exist and returns its DSN.
func (p *Postgres) Ensure(ctx context.Context, dbName string) (string, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM pg_database WHERE datname = ?", dbName).
		Scan(&count).Error
	if err != nil {
		return "", fmt.Errorf("failed to check database %s: %w", dbName, err)
	}

	if count == 0 {
		// CREATE DATABASE cannot take bind parameters.
		err := p.db.WithContext(ctx).Exec("CREATE DATABASE " + quoteIdent(dbName)).Error
		if err != nil && !isDuplicateDatabase(err) {
			return "", fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
		if err == nil {
			p.logger.Info("Created sandbox database", "database", dbName)
		}
	}

	return dsnFor(p.adminDSN, dbName), nil
}

// Drop terminates remaining connections to dbName and drops it. A missing
// database is not an error.
func (p *Postgres) Drop(ctx context.Context, dbName string) error {
	db := p.db.WithContext(ctx)
	err := db.Exec(
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = ? AND pid <> pg_backend_pid()",
		dbName,
	).Error
	if err != nil {
		return fmt.Errorf("failed to terminate connections to %s: %w", dbName, err)
	}
	if err := db.Exec("DROP DATABASE IF EXISTS " + quoteIdent(dbName)).Error; err != nil {
		return fmt.Errorf("failed to drop database %s: %w", dbName, err)
	}
	p.logger.Info("Dropped sandbox database", "database", dbName)
	return nil
}

// Close closes the administrative connection.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicateDatabase(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == duplicateDatabase
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// dsnFor returns admin with its database path replaced by dbName. Query
// parameters such as sslmode carry over.
func dsnFor(admin *url.URL, dbName string) string {
	u := *admin
	u.Path = "/" + dbName
	u.RawPath = ""
	return u.String()
}

// Noop is used when no admin DSN is configured: sandboxes get no database.
type Noop struct{}

func (Noop) Ensure(context.Context, string) (string, error) { return "", nil }
func (Noop) Drop(context.Context, string) error            { return nil }
