package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnavailable marks storage-layer failures. Callers that see it fall
// back to treating the affected conversation as uncached instead of
// crashing.
var ErrUnavailable = errors.New("cache storage unavailable")

// DB wraps the SQLite connection for the profile-owned cache.db. A single
// write mutex serializes multi-statement mutations so readers never observe
// intermediate states of an atomic operation.
type DB struct {
	*sql.DB
	writeMu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w: %w", ErrUnavailable, err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w: %w", ErrUnavailable, err)
	}
	return &DB{DB: db}, nil
}

// withTx runs fn inside a transaction serialized behind prior writes.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
