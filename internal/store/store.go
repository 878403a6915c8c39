// Package store is the relational persistence layer for cluster
// registrations, health rows, incidents, enrollment tokens and workspaces. SQLite is the
// default backend; PostgreSQL is supported for shared deployments.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrPersistenceFailed wraps any failure talking to the database.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a uniquely named row is created twice.
	ErrAlreadyExists = errors.New("already exists")
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store wraps a sqlx handle. All timestamps are produced in Go and written
// in UTC so both backends order them the same way.
type Store struct {
	db     *sqlx.DB
	driver string
	clock  clock.PassiveClock
	log    *slog.Logger
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var db *sqlx.DB
	var err error
	switch driver {
	case DriverSQLite:
		db, err = sqlx.ConnectContext(ctx, DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to SQLite: %w", err)
		}
		// Single writer; also keeps ":memory:" databases on one connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure SQLite: %w", err)
		}
	case DriverPostgres:
		db, err = sqlx.ConnectContext(ctx, DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The driver name is taken from the handle.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		driver: db.DriverName(),
		clock:  clock.RealClock{},
		log:    slog.Default().With("component", "store"),
	}
}

// WithClock replaces the clock used for created-at timestamps.
func (s *Store) WithClock(c clock.PassiveClock) *Store {
	s.clock = c
	return s
}

// DB exposes the handle for collaborators sharing the database.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistErr("ping", err)
	}
	return nil
}

// Migrate applies the embedded schema for the active driver. Statements are
// idempotent, so it runs on every start.
func (s *Store) Migrate(ctx context.Context) error {
	name := "migrations/sqlite.sql"
	if s.driver == DriverPostgres {
		name = "migrations/postgres.sql"
	}
	schema, err := migrations.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return persistErr("migrate", err)
	}
	s.log.Debug("schema applied", "driver", s.driver)
	return nil
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailed, op, err)
}
