// Package sqldb implements the store interfaces over database/sql,
// supporting SQLite for single-node installs and PostgreSQL for shared
// deployments. Schema migrations are embedded and applied on open.
package sqldb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentping/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps a database/sql handle with its dialect.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// Open connects to the database named by dsn and applies pending
// migrations. A postgres:// or postgresql:// DSN selects PostgreSQL;
// anything else is treated as a SQLite file path.
func Open(dsn string) (*DB, error) {
	conn, dia, err := openConn(dsn)
	if err != nil {
		return nil, err
	}
	d := &DB{conn: conn, dialect: dia}
	if err := d.conn.Ping(); err != nil {
		d.conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	m, err := newMigrator(d.conn, d.dialect)
	if err != nil {
		d.conn.Close()
		return nil, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		d.conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return d, nil
}

func openConn(dsn string) (*sql.DB, dialect, error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, 0, fmt.Errorf("open postgres: %w", err)
		}
		return conn, dialectPostgres, nil
	default:
		path := strings.TrimPrefix(dsn, "sqlite://")
		conn, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, 0, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc sqlite serializes writes through one connection.
		conn.SetMaxOpenConns(1)
		return conn, dialectSQLite, nil
	}
}

func newMigrator(conn *sql.DB, dia dialect) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	var m *migrate.Migrate
	switch dia {
	case dialectPostgres:
		drv, derr := migratepg.WithInstance(conn, &migratepg.Config{})
		if derr != nil {
			return nil, fmt.Errorf("migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
	default:
		drv, derr := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
		if derr != nil {
			return nil, fmt.Errorf("migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
	}
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return m, nil
}

// NewMigrator opens its own connection for the migrate CLI commands.
// The caller closes the returned *sql.DB after the migrator is done.
func NewMigrator(dsn string) (*migrate.Migrate, *sql.DB, error) {
	conn, dia, err := openConn(dsn)
	if err != nil {
		return nil, nil, err
	}
	m, err := newMigrator(conn, dia)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return m, conn, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Stores returns the store interfaces backed by this database.
func (d *DB) Stores() *store.Stores {
	return &store.Stores{
		Sessions: &sessionStore{d},
		Messages: &messageStore{d},
		Outbox:   &outboxStore{d},
	}
}

// rebind rewrites ? placeholders to $N for PostgreSQL. Queries are
// written in SQLite form and rebound per dialect.
func (d *DB) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
