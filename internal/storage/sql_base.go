package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"oidc-server/internal/models"
)

// SQLDialect defines the interface for SQL-specific operations
type SQLDialect interface {
	Name() string

	// Schema methods
	GetCreateTableStatements() []string
	GetIndexStatements() []string

	// Placeholder returns $1, $2 for Postgres or ?, ? for SQLite
	Placeholder(n int) string
}

// BaseSQLStorage provides common SQL operations for both SQLite and PostgreSQL
type BaseSQLStorage struct {
	db      *sql.DB
	dialect SQLDialect
	now     func() time.Time
}

// NewBaseSQLStorage creates a new base SQL storage instance and migrates the schema
func NewBaseSQLStorage(db *sql.DB, dialect SQLDialect) (*BaseSQLStorage, error) {
	storage := &BaseSQLStorage{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}

	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

// migrate creates the necessary tables and indexes
func (s *BaseSQLStorage) migrate() error {
	for _, statement := range s.dialect.GetCreateTableStatements() {
		if _, err := s.db.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute create table statement: %w", err)
		}
	}

	for _, statement := range s.dialect.GetIndexStatements() {
		if _, err := s.db.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute index statement: %w", err)
		}
	}

	return nil
}

// q rewrites ? placeholders into the dialect's form
func (s *BaseSQLStorage) q(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateGrant inserts a grant row
func (s *BaseSQLStorage) CreateGrant(ctx context.Context, grant *models.Grant) (string, error) {
	handle, stored, err := prepareGrant(grant)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO grants
		(handle_hash, kind, family_id, subject_id, client_id, data, consumed, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		handleKey(handle), string(stored.Kind), stored.FamilyID, stored.SubjectID, stored.ClientID,
		string(data), stored.ExpiresAt.Unix(), s.now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store grant: %w", err)
	}
	return handle, nil
}

// RedeemGrant flips consumed with a conditional UPDATE; only one caller can see a row affected
func (s *BaseSQLStorage) RedeemGrant(ctx context.Context, handle string) (*models.Grant, error) {
	key := handleKey(handle)
	now := s.now()

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE grants SET consumed = 1
		WHERE handle_hash = ? AND consumed = 0 AND expires_at > ?`), key, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to redeem grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem grant: %w", err)
	}

	g, consumed, err := s.loadGrant(ctx, key)
	if err != nil {
		return nil, err
	}
	g.Handle = handle

	if affected == 1 {
		g.Consumed = true
		return g, nil
	}
	if consumed {
		g.Consumed = true
		return g, ErrAlreadyConsumed
	}
	// Not consumed and not updated: the expiry check in the UPDATE rejected it
	return nil, ErrExpired
}

// GetGrant reads a grant without consuming it
func (s *BaseSQLStorage) GetGrant(ctx context.Context, handle string) (*models.Grant, error) {
	g, consumed, err := s.loadGrant(ctx, handleKey(handle))
	if err != nil {
		return nil, err
	}
	if g.Expired(s.now()) {
		return nil, ErrExpired
	}
	g.Handle = handle
	g.Consumed = consumed
	return g, nil
}

func (s *BaseSQLStorage) loadGrant(ctx context.Context, key string) (*models.Grant, bool, error) {
	var data string
	var consumed int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data, consumed FROM grants WHERE handle_hash = ?`), key).
		Scan(&data, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("database error: %w", err)
	}
	var g models.Grant
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return &g, consumed == 1, nil
}

// RevokeGrant deletes a single grant
func (s *BaseSQLStorage) RevokeGrant(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM grants WHERE handle_hash = ?`), handleKey(handle))
	return err
}

// RevokeFamily deletes every grant sharing familyID
func (s *BaseSQLStorage) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.deleteWhere(ctx, `DELETE FROM grants WHERE family_id = ?`, familyID)
}

// RevokeAllForSubject deletes every grant for subjectID
func (s *BaseSQLStorage) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	return s.deleteWhere(ctx, `DELETE FROM grants WHERE subject_id = ?`, subjectID)
}

// SweepGrants deletes expired grants
func (s *BaseSQLStorage) SweepGrants(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhere(ctx, `DELETE FROM grants WHERE expires_at <= ?`, now.Unix())
}

func (s *BaseSQLStorage) deleteWhere(ctx context.Context, query string, arg any) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), arg)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Put upserts a namespaced value
func (s *BaseSQLStorage) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO kv_entries (namespace, entry_key, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, entry_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`),
		namespace, key, string(value), kvExpiry(s.now(), ttl))
	if err != nil {
		return fmt.Errorf("failed to store %s entry: %w", namespace, err)
	}
	return nil
}

// Get loads a namespaced value
func (s *BaseSQLStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM kv_entries
		WHERE namespace = ? AND entry_key = ? AND (expires_at = 0 OR expires_at > ?)`),
		namespace, key, s.now().Unix()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return []byte(value), nil
}

// Delete removes a namespaced value
func (s *BaseSQLStorage) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM kv_entries WHERE namespace = ? AND entry_key = ?`), namespace, key)
	return err
}

// List returns every live entry in a namespace
func (s *BaseSQLStorage) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT entry_key, value FROM kv_entries
		WHERE namespace = ? AND (expires_at = 0 OR expires_at > ?)`), namespace, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = []byte(value)
	}
	return out, rows.Err()
}

// SweepKV deletes expired entries
func (s *BaseSQLStorage) SweepKV(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhere(ctx, `DELETE FROM kv_entries WHERE expires_at <> 0 AND expires_at <= ?`, now.Unix())
}

// Ping checks database connectivity
func (s *BaseSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *BaseSQLStorage) Close() error {
	return s.db.Close()
}
