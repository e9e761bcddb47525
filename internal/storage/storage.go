package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"oidc-server/internal/models"
	"oidc-server/internal/utils"
)

// Grant and KV lookup failures
var (
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyConsumed = errors.New("already consumed")
)

// GrantStore persists authorization codes, refresh tokens and device codes.
// CreateGrant fills in Handle and FamilyID on the passed grant when they are empty.
//
// RedeemGrant is the only correctness-critical operation: reading and marking a
// grant consumed happens as one indivisible step in every implementation. When a
// consumed grant is redeemed again the stored grant is returned together with
// ErrAlreadyConsumed so callers can revoke its family.
type GrantStore interface {
	CreateGrant(ctx context.Context, grant *models.Grant) (string, error)
	RedeemGrant(ctx context.Context, handle string) (*models.Grant, error)
	GetGrant(ctx context.Context, handle string) (*models.Grant, error)
	RevokeGrant(ctx context.Context, handle string) error
	RevokeFamily(ctx context.Context, familyID string) (int, error)
	RevokeAllForSubject(ctx context.Context, subjectID string) (int, error)
	SweepGrants(ctx context.Context, now time.Time) (int, error)
}

// KV is the namespaced put/get/delete store used for sessions, consents,
// suspended interactions, profiles and persisted clients
type KV interface {
	// Put stores value; a zero ttl never expires
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) (map[string][]byte, error)
	SweepKV(ctx context.Context, now time.Time) (int, error)
}

// Storage is a complete persistence backend
type Storage interface {
	GrantStore
	KV
	Ping(ctx context.Context) error
	Close() error
}

// handleKey is the lookup key for a handle; raw handles are never stored
func handleKey(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// prepareGrant assigns a handle when missing and returns the copy to persist
func prepareGrant(grant *models.Grant) (string, models.Grant, error) {
	if grant.ClientID == "" {
		return "", models.Grant{}, errors.New("grant client_id is required")
	}
	if grant.ExpiresAt.IsZero() {
		return "", models.Grant{}, errors.New("grant expires_at is required")
	}
	handle := grant.Handle
	if handle == "" {
		var err error
		if handle, err = utils.GenerateHandle(); err != nil {
			return "", models.Grant{}, fmt.Errorf("failed to generate handle: %w", err)
		}
	}
	stored := *grant
	stored.Handle = ""
	stored.Consumed = false
	if stored.FamilyID == "" {
		stored.FamilyID = handleKey(handle)
	}
	grant.Handle = handle
	grant.FamilyID = stored.FamilyID
	return handle, stored, nil
}

func kvExpiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).Unix()
}
