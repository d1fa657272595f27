// Package postgres implements store.RelationshipStore on PostgreSQL using
// database/sql with lib/pq. The schema is managed by golang-migrate from
// migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

var tracer = otel.Tracer("store/postgres")

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps a *sql.DB and implements store.RelationshipStore.
type DB struct {
	sql *sql.DB
}

var _ store.RelationshipStore = (*DB)(nil)

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	s, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		s.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		s.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		s.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.PingContext(pingCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := migrateUp(cfg.DSN); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &DB{sql: s}, nil
}

// migrateUp applies embedded migrations on a dedicated connection, since the
// migrate driver closes its database on Close.
func migrateUp(dsn string) error {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("postgres: migrate open: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("postgres: migrate source: %w", err)
	}
	drv, err := migratepg.WithInstance(conn, &migratepg.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("postgres: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("postgres: migrate init: %w", err)
	}
	defer m.Close() //nolint:errcheck

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "postgres."+op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}

// classify maps driver failures onto domain sentinels.
func classify(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("postgres: %s: %w", op, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
