package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
)

// Dialect is the SQL flavour spoken by a database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts dialect names as well as the driver names registered
// for them.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pgx", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("sqldb: unknown dialect %q", s)
}

// DefaultDriver returns the database/sql driver name used when none is configured.
func (d Dialect) DefaultDriver() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

func (d Dialect) quote(ident string) string {
	if d == MySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// lockRows reports whether point reads in ReadWrite transactions take row locks.
// SQLite has no row locks; its write transactions are serialized instead.
func (d Dialect) lockRows() bool { return d != SQLite }

func (d Dialect) readOnlyTx() bool { return d != SQLite }

func (d Dialect) upsertSuffix(keyCols []string) string {
	if d == MySQL {
		return " ON DUPLICATE KEY UPDATE record = VALUES(record)"
	}
	return " ON CONFLICT (" + strings.Join(keyCols, ", ") + ") DO UPDATE SET record = excluded.record"
}

func (d Dialect) migrationDriver(db *sql.DB) (database.Driver, error) {
	switch d {
	case Postgres:
		return migratepg.WithInstance(db, &migratepg.Config{})
	case MySQL:
		return migratemysql.WithInstance(db, &migratemysql.Config{})
	case SQLite:
		return migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	return nil, fmt.Errorf("sqldb: no migration driver for %q", d)
}

// sqliteDSN turns a file path into a DSN with the pragmas the backend relies on.
// DSNs that already carry parameters are left alone.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
