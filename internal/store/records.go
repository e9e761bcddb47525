// Package store keeps typed records (consents, suspended interactions,
// profiles, upstream login state and persisted clients) on top of storage.KV.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"oidc-server/internal/storage"
)

// KV namespaces
const (
	NamespaceConsent       = "consent"
	NamespaceInteraction   = "interaction"
	NamespaceProfile       = "profile"
	NamespaceUpstreamState = "upstream_state"
	NamespaceClient        = "client"
	NamespaceSession       = "session"
)

func putJSON(ctx context.Context, kv storage.KV, namespace, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", namespace, err)
	}
	return kv.Put(ctx, namespace, key, data, ttl)
}

// getJSON decodes a record; missing records return storage.ErrNotFound
func getJSON(ctx context.Context, kv storage.KV, namespace, key string, v any) error {
	data, err := kv.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s record: %w", namespace, err)
	}
	return nil
}
