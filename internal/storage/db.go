// Package storage keeps this installation's local state in SQLite: the
// device identity handed out by the pairing service and the pairings it
// has taken part in.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

var ErrNotFound = errors.New("not found")

// DB wraps the local state database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates state.db in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dbPath := filepath.Join(dir, "state.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// One row per installation.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _identity (
			slot          INTEGER PRIMARY KEY CHECK (slot = 1),
			device_id     TEXT NOT NULL,
			device_name   TEXT NOT NULL,
			kind          TEXT NOT NULL,
			user_id       TEXT DEFAULT '',
			registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _pairings (
			id         TEXT PRIMARY KEY,
			source_id  TEXT NOT NULL,
			sink_id    TEXT DEFAULT '',
			code       TEXT NOT NULL,
			status     TEXT NOT NULL,
			expires_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pairings table: %w", err)
	}

	log.Debugw("opened state database", "path", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// GetMeta returns a value from the _meta table, or "" if unset.
func (d *DB) GetMeta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	return v
}

// SetMeta stores a value in the _meta table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
