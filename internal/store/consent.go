package store

import (
	"context"
	"errors"
	"time"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
)

// ConsentStore persists consent per (subject, client) pair
type ConsentStore struct {
	kv  storage.KV
	now func() time.Time
}

// NewConsentStore creates a consent store over kv
func NewConsentStore(kv storage.KV) *ConsentStore {
	return &ConsentStore{kv: kv, now: time.Now}
}

func consentKey(subjectID, clientID string) string {
	return subjectID + "|" + clientID
}

// Get returns the stored consent or nil when the subject never consented
func (s *ConsentStore) Get(ctx context.Context, subjectID, clientID string) (*models.Consent, error) {
	var c models.Consent
	err := getJSON(ctx, s.kv, NamespaceConsent, consentKey(subjectID, clientID), &c)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Grant records approval of scopes, merging with anything approved before
func (s *ConsentStore) Grant(ctx context.Context, subjectID, clientID string, scopes []string) (*models.Consent, error) {
	existing, err := s.Get(ctx, subjectID, clientID)
	if err != nil {
		return nil, err
	}
	merged := append([]string(nil), scopes...)
	if existing != nil {
		for _, sc := range existing.Scopes {
			if !containsScope(merged, sc) {
				merged = append(merged, sc)
			}
		}
	}
	c := &models.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    merged,
		GrantedAt: s.now(),
	}
	if err := putJSON(ctx, s.kv, NamespaceConsent, consentKey(subjectID, clientID), c, 0); err != nil {
		return nil, err
	}
	return c, nil
}

// Revoke forgets the consent for a (subject, client) pair
func (s *ConsentStore) Revoke(ctx context.Context, subjectID, clientID string) error {
	return s.kv.Delete(ctx, NamespaceConsent, consentKey(subjectID, clientID))
}

func containsScope(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
