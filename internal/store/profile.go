package store

import (
	"context"
	"time"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
)

// ProfileStore keeps the latest claim set known for each subject
type ProfileStore struct {
	kv  storage.KV
	now func() time.Time
}

// NewProfileStore creates a profile store over kv
func NewProfileStore(kv storage.KV) *ProfileStore {
	return &ProfileStore{kv: kv, now: time.Now}
}

// Save replaces the subject's profile
func (s *ProfileStore) Save(ctx context.Context, subjectID, idp string, claims map[string][]string) error {
	p := models.Profile{
		SubjectID: subjectID,
		IdP:       idp,
		Claims:    claims,
		UpdatedAt: s.now(),
	}
	return putJSON(ctx, s.kv, NamespaceProfile, subjectID, p, 0)
}

// Get loads a profile; missing profiles return storage.ErrNotFound
func (s *ProfileStore) Get(ctx context.Context, subjectID string) (*models.Profile, error) {
	var p models.Profile
	if err := getJSON(ctx, s.kv, NamespaceProfile, subjectID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
