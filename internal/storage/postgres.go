package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLDialect implements SQLDialect for PostgreSQL
type PostgreSQLDialect struct{}

func (d *PostgreSQLDialect) Name() string { return "postgres" }

// GetCreateTableStatements returns PostgreSQL-specific CREATE TABLE statements
func (d *PostgreSQLDialect) GetCreateTableStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS grants (
            handle_hash VARCHAR(64) PRIMARY KEY,
            kind VARCHAR(50) NOT NULL,
            family_id VARCHAR(255) NOT NULL,
            subject_id VARCHAR(255) NOT NULL,
            client_id VARCHAR(255) NOT NULL,
            data TEXT NOT NULL,
            consumed SMALLINT NOT NULL DEFAULT 0,
            expires_at BIGINT NOT NULL,
            created_at BIGINT NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS kv_entries (
            namespace VARCHAR(100) NOT NULL,
            entry_key VARCHAR(512) NOT NULL,
            value TEXT NOT NULL,
            expires_at BIGINT NOT NULL DEFAULT 0,
            PRIMARY KEY (namespace, entry_key)
        )`,
	}
}

// GetIndexStatements returns PostgreSQL-specific CREATE INDEX statements
func (d *PostgreSQLDialect) GetIndexStatements() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_grants_subject ON grants(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_family ON grants(family_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_expires ON grants(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_entries(expires_at)`,
	}
}

// Placeholder returns $n for PostgreSQL
func (d *PostgreSQLDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// NewPostgresStorage connects to PostgreSQL using dsn
func NewPostgresStorage(dsn string) (*BaseSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres database: %w", err)
	}

	storage, err := NewBaseSQLStorage(db, &PostgreSQLDialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}
