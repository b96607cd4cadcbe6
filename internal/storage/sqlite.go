package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB is the local SQLite file holding the run history.
type DB struct {
	conn *sqlx.DB
}

// schema holds one statement per user_version step; entries are append-only.
var schema = []string{
	`CREATE TABLE etl_run_logs (
		id           TEXT PRIMARY KEY,
		trigger_type TEXT NOT NULL DEFAULT 'manual',
		started_at   DATETIME NOT NULL,
		finished_at  DATETIME NOT NULL,
		status       TEXT NOT NULL,
		files        INTEGER NOT NULL DEFAULT 0,
		rows_read    INTEGER NOT NULL DEFAULT 0,
		rows_written INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_etl_run_logs_started ON etl_run_logs(started_at)`,
	`CREATE INDEX idx_etl_run_logs_status ON etl_run_logs(status, started_at)`,
}

// New opens (or creates) the history file at dbPath and brings its schema
// up to date.
func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	conn, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer only
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate applies the schema steps past the file's user_version, each in its
// own transaction.
func (db *DB) migrate() error {
	var version int
	if err := db.conn.Get(&version, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > len(schema) {
		return fmt.Errorf("history schema version %d is newer than this binary (%d)", version, len(schema))
	}

	for i := version; i < len(schema); i++ {
		tx, err := db.conn.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(schema[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("step %d: set user_version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("step %d: commit: %w", i+1, err)
		}
	}
	return nil
}
