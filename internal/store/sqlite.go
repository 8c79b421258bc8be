// Package store implements the game ledger of the relay server on top of
// SQLite: registered games, finished rounds and why games were closed.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// busyTimeoutMs is how long a statement waits on a locked file.
const busyTimeoutMs = 5000

// Database is a single-connection SQLite handle. Writes are serialized;
// reads share the connection.
type Database struct {
	writeMu sync.Mutex
	conn    *sql.DB
}

// OpenDatabase opens the ledger file at path, creating its directory, or a
// private in-memory database for MemoryPath.
func OpenDatabase(path string) (*Database, error) {
	memory := path == MemoryPath || strings.Contains(path, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn(path, memory))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	// More than one connection would give every connection its own
	// in-memory database.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger ping failed: %w", err)
	}

	log.Info().Str("path", path).Bool("memory", memory).Msg("ledger database opened")
	return &Database{conn: conn}, nil
}

// dsn adds the connection pragmas to path. Files use WAL journaling.
func dsn(path string, memory bool) string {
	if memory {
		return path
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Close closes the connection.
func (d *Database) Close() error {
	return d.conn.Close()
}

// Exec runs a write statement.
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.Exec(query, args...)
}

// Query runs a read statement.
func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

// QueryRow runs a read statement returning at most one row.
func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

// WithTx runs fn in a write transaction and commits when it returns nil.
func (d *Database) WithTx(fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("ledger rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the number of migration steps applied.
func (d *Database) SchemaVersion() (int, error) {
	var v int
	if err := d.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies the steps past the stored schema version, each in its
// own transaction, and records the new version. Steps are append-only.
func (d *Database) Migrate(steps []string) error {
	version, err := d.SchemaVersion()
	if err != nil {
		return err
	}
	if version > len(steps) {
		return fmt.Errorf("ledger schema version %d is newer than this build (%d)", version, len(steps))
	}

	for i := version; i < len(steps); i++ {
		err := d.WithTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(steps[i]); err != nil {
				return err
			}
			// PRAGMA does not take bound parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
		log.Debug().Int("version", i+1).Msg("ledger schema step applied")
	}
	return nil
}
