// Package storage provides persistence for Site Kit.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	// Registered drivers: sqlite (pure Go), sqlite3 (cgo), pgx and postgres
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Dialect groups drivers that share SQL syntax and migrations
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps the database connection
type DB struct {
	conn     *sqlx.DB
	driver   string
	dialect  Dialect
	path     string
	isMemory bool
}

// Config for database initialization
type Config struct {
	Driver   string // sqlite (default), sqlite3, pgx, postgres
	DSN      string // Connection string; for sqlite drivers a file path
	Path     string // Path to database file (sqlite drivers, used when DSN is empty)
	InMemory bool   // Use in-memory database (for testing)
}

func dialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

// Open opens or creates the database
func Open(cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Path
	}

	isMemory := false
	if dialect == DialectSQLite {
		if cfg.InMemory {
			dsn = ":memory:"
			isMemory = true
		} else {
			if dsn == "" {
				return nil, fmt.Errorf("database path required")
			}
			// Ensure directory exists
			if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
	} else if dsn == "" {
		return nil, fmt.Errorf("database dsn required for driver %s", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite doesn't handle concurrent writes well, and an in-memory
		// database lives only as long as its one connection
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)

		if !isMemory {
			if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to enable WAL: %w", err)
			}
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	return &DB{
		conn:     conn,
		driver:   driver,
		dialect:  dialect,
		path:     dsn,
		isMemory: isMemory,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for direct access
func (db *DB) Conn() *sql.DB {
	return db.conn.DB
}

// Dialect returns the SQL dialect in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// rebind converts ? placeholders to the driver's bind style
func (db *DB) rebind(query string) string {
	return db.conn.Rebind(query)
}

// Transaction executes a function within a transaction
func (db *DB) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Millisecond timestamps keep time columns portable across drivers

var nowFunc = time.Now

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
