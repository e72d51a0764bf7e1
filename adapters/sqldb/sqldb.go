// Package sqldb implements backend.Backend on top of database/sql.
//
// Every store is a table named after it with one column per key part, a
// primary key over those columns and a record column holding the value.
// Declared indexes become SQL indexes. The tables for the event repository
// and its views are created by [Migrate].
//
// Supported databases are PostgreSQL (drivers "pgx" and "postgres"), MySQL
// and SQLite (modernc.org/sqlite, driver "sqlite").
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/codewandler/eventrepo/ports/backend"
)

type Config struct {
	// Dialect defaults to the one matching Driver.
	Dialect Dialect
	// Driver is the database/sql driver name. It defaults to the dialect's
	// default driver.
	Driver string
	DSN    string
	// Migrate applies the embedded migrations after connecting.
	Migrate bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Log *slog.Logger
}

// Backend is a backend.Backend over a SQL database.
type Backend struct {
	db      *sql.DB
	ownsDB  bool
	dialect Dialect
	tables  map[string]*table
	log     *slog.Logger
}

// Open connects to the configured database, optionally migrates it and
// returns a Backend laid out with schema. Close closes the connection pool.
func Open(ctx context.Context, cfg Config, schema backend.Schema) (*Backend, error) {
	dialect := cfg.Dialect
	if dialect == "" {
		if cfg.Driver == "" {
			return nil, errors.New("sqldb: dialect or driver is required")
		}
		d, err := ParseDialect(cfg.Driver)
		if err != nil {
			return nil, err
		}
		dialect = d
	}
	driver := cfg.Driver
	if driver == "" {
		driver = dialect.DefaultDriver()
	}
	dsn := cfg.DSN
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.Migrate {
		if err := Migrate(db, dialect); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	b, err := New(db, dialect, schema, cfg.Log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// New wraps an existing connection pool. The caller keeps ownership of db.
func New(db *sql.DB, dialect Dialect, schema backend.Schema, log *slog.Logger) (*Backend, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Backend{
		db:      db,
		dialect: dialect,
		tables:  make(map[string]*table, len(schema.Stores)),
		log:     log.With(slog.String("backend", "sql"), slog.String("dialect", string(dialect))),
	}
	for _, st := range schema.Stores {
		b.tables[st.Name] = newTable(dialect, st)
	}
	return b, nil
}

// DB returns the underlying connection pool.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Dialect() Dialect { return b.dialect }

func (b *Backend) Begin(ctx context.Context, mode backend.Mode, stores ...string) (backend.Tx, error) {
	scope := make(map[string]*table, len(stores))
	for _, name := range stores {
		t, ok := b.tables[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", backend.ErrUnknownStore, name)
		}
		scope[name] = t
	}

	opts := &sql.TxOptions{ReadOnly: mode == backend.ReadOnly && b.dialect.readOnlyTx()}
	sqlTx, err := b.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, classify(err)
	}
	return &tx{b: b, tx: sqlTx, mode: mode, scope: scope}, nil
}

// Close closes the connection pool if the backend opened it.
func (b *Backend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

var _ backend.Backend = (*Backend)(nil)
