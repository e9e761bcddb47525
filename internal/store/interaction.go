package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
	"oidc-server/internal/utils"
)

// ErrInteractionNotFound is returned for unknown or abandoned interactions
var ErrInteractionNotFound = errors.New("interaction not found or expired")

// Interaction stages
const (
	StageLogin   = "login"
	StageConsent = "consent"
)

// InteractionStore holds authorization requests suspended for login or consent.
// Entries expire after the configured timeout; an abandoned flow simply ages out.
type InteractionStore struct {
	kv      storage.KV
	timeout time.Duration
	now     func() time.Time
}

// NewInteractionStore creates an interaction store with the given abandon timeout
func NewInteractionStore(kv storage.KV, timeout time.Duration) *InteractionStore {
	return &InteractionStore{kv: kv, timeout: timeout, now: time.Now}
}

// Create suspends req for the browser holding binding and returns the new interaction
func (s *InteractionStore) Create(ctx context.Context, req models.AuthorizationRequest, stage, sessionID, binding string) (*models.Interaction, error) {
	if binding == "" {
		return nil, errors.New("interaction binding is required")
	}
	id, err := utils.GenerateHandle()
	if err != nil {
		return nil, fmt.Errorf("failed to generate interaction id: %w", err)
	}
	now := s.now()
	in := &models.Interaction{
		ID:        id,
		Request:   req,
		Stage:     stage,
		SessionID: sessionID,
		Binding:   binding,
		CreatedAt: now,
		ExpiresAt: now.Add(s.timeout),
	}
	if err := putJSON(ctx, s.kv, NamespaceInteraction, id, in, s.timeout); err != nil {
		return nil, err
	}
	return in, nil
}

// Get loads a live interaction
func (s *InteractionStore) Get(ctx context.Context, id string) (*models.Interaction, error) {
	if id == "" {
		return nil, ErrInteractionNotFound
	}
	var in models.Interaction
	err := getJSON(ctx, s.kv, NamespaceInteraction, id, &in)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInteractionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(in.ExpiresAt) {
		return nil, ErrInteractionNotFound
	}
	return &in, nil
}

// Update rewrites an interaction without extending its original deadline
func (s *InteractionStore) Update(ctx context.Context, in *models.Interaction) error {
	remaining := in.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return ErrInteractionNotFound
	}
	return putJSON(ctx, s.kv, NamespaceInteraction, in.ID, in, remaining)
}

// Delete ends an interaction
func (s *InteractionStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, NamespaceInteraction, id)
}
