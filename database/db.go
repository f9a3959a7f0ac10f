package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	gocache "github.com/patrickmn/go-cache"
)

// DBConfig tunes the sqlite connection pool.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StockDB is the record and reference store of the stock engine: vehicles,
// elaborazioni, per-source statuses, plus the catalog, pattern and glossary
// tables owned by the migrator.
type StockDB struct {
	conn      *sql.DB
	snapshots *gocache.Cache
}

// NewStockDB opens the store at dbPath and applies pending migrations.
func NewStockDB(dbPath string) (*StockDB, error) {
	config := DBConfig{}

	// In-memory SQLite must run on exactly one connection, otherwise every
	// new connection sees an empty database without tables or migrations.
	if isInMemory(dbPath) {
		config.MaxOpenConns = 1
		config.MaxIdleConns = 1
	}

	return NewStockDBWithConfig(dbPath, config)
}

// isInMemory reports whether the path refers to an in-memory SQLite database.
func isInMemory(dbPath string) bool {
	if dbPath == ":memory:" {
		return true
	}
	if strings.HasPrefix(dbPath, "file:") && strings.Contains(dbPath, "mode=memory") {
		return true
	}
	return false
}

// NewStockDBWithConfig opens the store with an explicit pool configuration.
func NewStockDBWithConfig(dbPath string, config DBConfig) (*StockDB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open stock database: %w", err)
	}

	// SQLite handles large connection pools poorly; keep the pool small to
	// avoid lock contention during batch flushes.
	if config.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		conn.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		conn.SetMaxIdleConns(3)
	}
	if config.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping stock database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &StockDB{
		conn:      conn,
		snapshots: gocache.New(24*time.Hour, time.Hour),
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate stock database: %w", err)
	}

	return db, nil
}

// GetConnection exposes the raw connection for callers that need ad-hoc queries.
func (db *StockDB) GetConnection() *sql.DB {
	return db.conn
}

// Close closes the underlying connection.
func (db *StockDB) Close() error {
	return db.conn.Close()
}
