package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteDialect implements SQLDialect for SQLite
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string { return "sqlite" }

// GetCreateTableStatements returns SQLite-specific CREATE TABLE statements
func (d *SQLiteDialect) GetCreateTableStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS grants (
            handle_hash TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            family_id TEXT NOT NULL,
            subject_id TEXT NOT NULL,
            client_id TEXT NOT NULL,
            data TEXT NOT NULL,
            consumed INTEGER NOT NULL DEFAULT 0,
            expires_at INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS kv_entries (
            namespace TEXT NOT NULL,
            entry_key TEXT NOT NULL,
            value TEXT NOT NULL,
            expires_at INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (namespace, entry_key)
        )`,
	}
}

// GetIndexStatements returns SQLite-specific CREATE INDEX statements
func (d *SQLiteDialect) GetIndexStatements() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_grants_subject ON grants(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_family ON grants(family_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_expires ON grants(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at)`,
	}
}

// Placeholder returns ? for SQLite
func (d *SQLiteDialect) Placeholder(int) string { return "?" }

// NewSQLiteStorage opens (creating if needed) a SQLite database at dbPath
func NewSQLiteStorage(dbPath string) (*BaseSQLStorage, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer connection keeps SQLite from returning SQLITE_BUSY under concurrent redemption
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	storage, err := NewBaseSQLStorage(db, &SQLiteDialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}
