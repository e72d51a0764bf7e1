package sqldb

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codewandler/eventrepo/ports/backend"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
	TempDir() string
}

// NewTestSQLite returns a migrated backend over a fresh SQLite file.
func NewTestSQLite(t Testing, schema backend.Schema) *Backend {
	b, err := Open(t.Context(), Config{
		Dialect: SQLite,
		DSN:     filepath.Join(t.TempDir(), "eventrepo.db"),
		Migrate: true,
	}, schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestPostgres is a PostgreSQL container shared by several backends. Each
// backend gets a schema of its own.
type TestPostgres struct {
	dsn string
	db  *sql.DB
}

func NewTestPostgres(t Testing) *TestPostgres {
	ctx := t.Context()
	pg, err := tcpostgres.Run(
		ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("eventrepo"),
		tcpostgres.WithUsername("eventrepo"),
		tcpostgres.WithPassword("eventrepo"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Logf("failed to terminate container: %s", err.Error())
		}
	})

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	t.Logf("postgres dsn: %s", dsn)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &TestPostgres{dsn: dsn, db: db}
}

// Backend creates a schema, migrates it and returns a backend bound to it
// through search_path. driver selects "pgx" or "postgres".
func (p *TestPostgres) Backend(t Testing, driver string, schema backend.Schema) *Backend {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz", 12)
	require.NoError(t, err)
	name := "t_" + id
	_, err = p.db.ExecContext(t.Context(), "CREATE SCHEMA "+name)
	require.NoError(t, err)

	b, err := Open(t.Context(), Config{
		Dialect: Postgres,
		Driver:  driver,
		DSN:     p.dsn + "&search_path=" + name,
		Migrate: true,
	}, schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}
