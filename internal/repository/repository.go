package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

var (
	ErrDuplicateCheckout = errors.New("order already exists for checkout session")
	ErrOrderNotFound     = errors.New("order not found")
)

// Options describe the orders database. Zero pool sizes fall back to the
// defaults below.
type Options struct {
	DSN            string
	MigrationsPath string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxIdle    time.Duration
}

const (
	defaultMaxOpenConns = 20
	defaultMaxIdleConns = 5
	defaultConnMaxIdle  = 5 * time.Minute
)

// Repository is the Postgres orders store. It also carries the order outbox.
type Repository struct {
	db *sql.DB
}

// Open connects to the orders database and migrates it to the latest schema.
// ctx bounds the first ping only.
func Open(ctx context.Context, opts Options) (*Repository, error) {
	if opts.DSN == "" {
		return nil, errors.New("orders database dsn is empty")
	}
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open orders database: %w", err)
	}
	db.SetMaxOpenConns(orDefault(opts.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(opts.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxIdleTime(orDefault(opts.ConnMaxIdle, defaultConnMaxIdle))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping orders database: %w", err)
	}

	r := &Repository{db: db}
	if opts.MigrationsPath != "" {
		if err := r.migrate(opts.MigrationsPath); err != nil {
			db.Close()
			return nil, err
		}
	}
	return r, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (r *Repository) migrate(path string) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "orderflow_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("orders migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("orders migrations from %s: %w", path, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply orders migrations: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}
