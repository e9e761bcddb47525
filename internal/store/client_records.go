package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"oidc-server/internal/models"
	"oidc-server/internal/storage"
)

// ClientRecords persists clients registered outside the static configuration
type ClientRecords struct {
	kv storage.KV
}

// NewClientRecords creates a client record store over kv
func NewClientRecords(kv storage.KV) *ClientRecords {
	return &ClientRecords{kv: kv}
}

// Save validates and stores a client
func (s *ClientRecords) Save(ctx context.Context, client *models.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}
	return putJSON(ctx, s.kv, NamespaceClient, client.ID, client, 0)
}

// Delete removes a persisted client
func (s *ClientRecords) Delete(ctx context.Context, clientID string) error {
	return s.kv.Delete(ctx, NamespaceClient, clientID)
}

// List returns every persisted client ordered by client_id
func (s *ClientRecords) List(ctx context.Context) ([]models.Client, error) {
	raw, err := s.kv.List(ctx, NamespaceClient)
	if err != nil {
		return nil, err
	}
	clients := make([]models.Client, 0, len(raw))
	for id, data := range raw {
		var c models.Client
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client %s: %w", id, err)
		}
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}
