package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Options selects and locates the history database.
type Options struct {
	Driver string
	// Path is the sqlite file. Its directory is created if missing.
	Path string
	// DSN is the mysql data source name, e.g. user:pass@tcp(host:3306)/surveil.
	DSN string
}

// DB is an open history database together with the SQL dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, opts Options) (*DB, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		return openSQLite(ctx, opts.Path)
	case DriverMySQL:
		return openMySQL(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps insert-or-ignore races inside sqlite's own locking
	// and lets :memory: databases survive across statements.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

func openMySQL(ctx context.Context, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("mysql dsn is empty")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database connection is not active: %w", err)
	}
	return &DB{DB: db, Dialect: MySQL}, nil
}

// InTx runs fn inside a transaction. The transaction is committed only if fn
// returns nil; any error rolls back everything fn did.
func (db *DB) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if transaction is committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
