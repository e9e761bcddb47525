package store

import (
	"context"
	"errors"
	"time"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
)

// ErrUnknownState is returned when an upstream callback carries an unknown state
var ErrUnknownState = errors.New("unknown or expired upstream state")

// UpstreamStateStore binds the state parameter of an upstream login to its suspended interaction
type UpstreamStateStore struct {
	kv  storage.KV
	ttl time.Duration
}

// NewUpstreamStateStore creates a state store whose entries live for ttl
func NewUpstreamStateStore(kv storage.KV, ttl time.Duration) *UpstreamStateStore {
	return &UpstreamStateStore{kv: kv, ttl: ttl}
}

// Save stores st under the state value
func (s *UpstreamStateStore) Save(ctx context.Context, state string, st *models.UpstreamState) error {
	return putJSON(ctx, s.kv, NamespaceUpstreamState, state, st, s.ttl)
}

// Take loads and deletes the state so a callback can only be completed once
func (s *UpstreamStateStore) Take(ctx context.Context, state string) (*models.UpstreamState, error) {
	if state == "" {
		return nil, ErrUnknownState
	}
	var st models.UpstreamState
	err := getJSON(ctx, s.kv, NamespaceUpstreamState, state, &st)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, err
	}
	if err := s.kv.Delete(ctx, NamespaceUpstreamState, state); err != nil {
		return nil, err
	}
	return &st, nil
}
