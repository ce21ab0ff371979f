package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryDSN opens a private in-memory database. Its contents vanish with
// the process.
const MemoryDSN = "file::memory:?_foreign_keys=on"

// DB wraps the SQLite connection backing the local search index.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection. An in-memory database lives on its
// single connection, so the pool is pinned to one.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// OpenMemory opens and migrates a fresh in-memory database.
func OpenMemory() (*DB, error) {
	db, err := Open(MemoryDSN)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
