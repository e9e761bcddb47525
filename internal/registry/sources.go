package registry

import (
	"context"
	"fmt"

	"oidc-server/internal/models"
	"oidc-server/internal/store"
	"oidc-server/internal/utils"
	"oidc-server/pkg/config"
)

// ConfigSource reads clients and scopes from the loaded configuration
type ConfigSource struct {
	cfg    *config.Config
	reload func() (*config.Config, error)
	loaded bool

	// hashed caches bcrypt hashes of plaintext secrets across reloads
	hashed map[string][]byte
}

// NewConfigSource creates a source over cfg
func NewConfigSource(cfg *config.Config) *ConfigSource {
	return &ConfigSource{cfg: cfg, hashed: make(map[string][]byte)}
}

// NewReloadingConfigSource starts from cfg and calls reload on every later
// Load, so registry reloads pick up edits to the configuration file. A failed
// reload keeps the previous definitions.
func NewReloadingConfigSource(cfg *config.Config, reload func() (*config.Config, error)) *ConfigSource {
	s := NewConfigSource(cfg)
	s.reload = reload
	return s
}

// Name identifies the source in errors
func (s *ConfigSource) Name() string { return "config" }

// Load converts configured scopes and enabled clients
func (s *ConfigSource) Load(_ context.Context) (*Definitions, error) {
	if s.reload != nil && s.loaded {
		cfg, err := s.reload()
		if err != nil {
			return nil, fmt.Errorf("failed to reload configuration: %w", err)
		}
		s.cfg = cfg
	}
	s.loaded = true

	defs := &Definitions{}
	for _, sc := range s.cfg.IdentityResources {
		defs.Scopes = append(defs.Scopes, models.Scope{
			Name:        sc.Name,
			DisplayName: sc.DisplayName,
			Kind:        models.ScopeKindIdentity,
			Claims:      sc.Claims,
		})
	}
	for _, sc := range s.cfg.APIScopes {
		defs.Scopes = append(defs.Scopes, models.Scope{
			Name:        sc.Name,
			DisplayName: sc.DisplayName,
			Kind:        models.ScopeKindAPI,
			Audience:    sc.Audience,
		})
	}

	for _, cc := range s.cfg.Clients {
		if !cc.IsEnabled() {
			continue
		}
		c, err := s.convert(cc)
		if err != nil {
			return nil, err
		}
		defs.Clients = append(defs.Clients, c)
	}
	return defs, nil
}

func (s *ConfigSource) convert(cc config.ClientConfig) (models.Client, error) {
	c := models.Client{
		ID:                     cc.ID,
		Name:                   cc.Name,
		RedirectURIs:           cc.RedirectURIs,
		PostLogoutRedirectURIs: cc.PostLogoutRedirectURIs,
		AllowedScopes:          cc.Scopes,
		AllowedCORSOrigins:     cc.AllowedCORSOrigins,
		RequirePKCE:            cc.RequirePKCE,
		RequireConsent:         cc.RequireConsent,
		AccessTokenLifetime:    config.Seconds(cc.AccessTokenLifetimeSeconds),
	}
	for _, gt := range cc.GrantTypes {
		c.AllowedGrantTypes = append(c.AllowedGrantTypes, models.GrantType(gt))
	}

	switch {
	case cc.SecretHash != "":
		c.SecretHash = []byte(cc.SecretHash)
	case cc.Secret != "":
		if h, ok := s.hashed[cc.ID+"\x00"+cc.Secret]; ok {
			c.SecretHash = h
			break
		}
		h, err := utils.HashSecret(cc.Secret)
		if err != nil {
			return models.Client{}, fmt.Errorf("client %s: failed to hash secret: %w", cc.ID, err)
		}
		s.hashed[cc.ID+"\x00"+cc.Secret] = h
		c.SecretHash = h
	}
	return c, nil
}

// RecordSource reads clients persisted in the KV store
type RecordSource struct {
	records *store.ClientRecords
}

// NewRecordSource creates a source over persisted client records
func NewRecordSource(records *store.ClientRecords) *RecordSource {
	return &RecordSource{records: records}
}

// Name identifies the source in errors
func (s *RecordSource) Name() string { return "persisted" }

// Load lists persisted clients
func (s *RecordSource) Load(ctx context.Context) (*Definitions, error) {
	clients, err := s.records.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Definitions{Clients: clients}, nil
}
