// Package registry answers client and scope policy questions from an immutable
// snapshot that is swapped atomically on reload.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"oidc-server/internal/models"
	"oidc-server/internal/utils"
)

// Lookup and policy failures
var (
	ErrClientNotFound    = errors.New("client not found")
	ErrScopeDenied       = errors.New("scope denied")
	ErrInvalidClientAuth = errors.New("client authentication failed")
)

// Definitions is what a Source contributes to the registry
type Definitions struct {
	Clients []models.Client
	Scopes  []models.Scope
}

// Source produces registry definitions; sources are read in order on every reload
type Source interface {
	Name() string
	Load(ctx context.Context) (*Definitions, error)
}

type snapshot struct {
	version    uint64
	loadedAt   time.Time
	clients    map[string]*models.Client
	scopes     []models.Scope
	scopeIndex map[string]int
	origins    map[string]struct{}
}

// Registry holds validated client and scope definitions
type Registry struct {
	sources []Source
	logger  *logrus.Logger

	mu   sync.Mutex // serializes Reload
	snap atomic.Pointer[snapshot]
}

// New builds a registry and performs the initial load
func New(ctx context.Context, logger *logrus.Logger, sources ...Source) (*Registry, error) {
	r := &Registry{sources: sources, logger: logger}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every source. When the combined definitions are invalid the
// previous snapshot stays in place and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var version uint64 = 1
	if cur := r.snap.Load(); cur != nil {
		version = cur.version + 1
	}

	next, err := r.build(ctx, version)
	if err != nil {
		r.logger.Errorf("❌ Registry reload failed, keeping previous definitions: %v", err)
		return err
	}
	r.snap.Store(next)
	r.logger.Printf("✅ Registry loaded: %d clients, %d scopes (version %d)", len(next.clients), len(next.scopes), version)
	return nil
}

func (r *Registry) build(ctx context.Context, version uint64) (*snapshot, error) {
	s := &snapshot{
		version:    version,
		loadedAt:   time.Now(),
		clients:    make(map[string]*models.Client),
		scopeIndex: make(map[string]int),
		origins:    make(map[string]struct{}),
	}

	var clients []models.Client
	for _, src := range r.sources {
		defs, err := src.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		for _, sc := range defs.Scopes {
			if sc.Name == "" {
				return nil, fmt.Errorf("source %s: scope name is required", src.Name())
			}
			if _, dup := s.scopeIndex[sc.Name]; dup {
				return nil, fmt.Errorf("source %s: duplicate scope %q", src.Name(), sc.Name)
			}
			s.scopeIndex[sc.Name] = len(s.scopes)
			s.scopes = append(s.scopes, sc)
		}
		clients = append(clients, defs.Clients...)
	}

	// Clients are checked after all scopes are known
	for i := range clients {
		c := clients[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.clients[c.ID]; dup {
			return nil, fmt.Errorf("duplicate client id %q", c.ID)
		}
		for _, name := range c.AllowedScopes {
			if _, ok := s.scopeIndex[name]; !ok {
				return nil, fmt.Errorf("client %s: scope %q is not registered", c.ID, name)
			}
		}
		for _, o := range c.AllowedCORSOrigins {
			s.origins[o] = struct{}{}
		}
		s.clients[c.ID] = &c
	}
	return s, nil
}

// Version returns the current snapshot version
func (r *Registry) Version() uint64 {
	return r.snap.Load().version
}

// LookupClient returns a copy of the client definition
func (r *Registry) LookupClient(clientID string) (*models.Client, error) {
	c, ok := r.snap.Load().clients[clientID]
	if !ok || clientID == "" {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// AuthenticateClient checks a confidential client's secret
func (r *Registry) AuthenticateClient(clientID, secret string) (*models.Client, error) {
	c, err := r.LookupClient(clientID)
	if err != nil {
		return nil, ErrInvalidClientAuth
	}
	if c.IsPublic() || !utils.ValidateSecret(secret, c.SecretHash) {
		return nil, ErrInvalidClientAuth
	}
	return c, nil
}

// ValidateScopes returns the requested scopes the client may use, in registry order.
// Every requested scope must be registered and allowed; otherwise ErrScopeDenied.
func (r *Registry) ValidateScopes(client *models.Client, requested []string) ([]string, error) {
	s := r.snap.Load()
	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: no scope requested", ErrScopeDenied)
	}

	want := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if _, ok := s.scopeIndex[name]; !ok {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrScopeDenied, name)
		}
		if !utils.ContainsString(client.AllowedScopes, name) {
			return nil, fmt.Errorf("%w: scope %q is not allowed for client %s", ErrScopeDenied, name, client.ID)
		}
		want[name] = struct{}{}
	}

	granted := make([]string, 0, len(want))
	for _, sc := range s.scopes {
		if _, ok := want[sc.Name]; ok {
			granted = append(granted, sc.Name)
		}
	}
	return granted, nil
}

// AllowedAPIScopes returns the client's allowed API scopes in registry order
func (r *Registry) AllowedAPIScopes(client *models.Client) []string {
	var out []string
	for _, sc := range r.snap.Load().scopes {
		if sc.Kind == models.ScopeKindAPI && utils.ContainsString(client.AllowedScopes, sc.Name) {
			out = append(out, sc.Name)
		}
	}
	return out
}

// Scope returns a registered scope by name
func (r *Registry) Scope(name string) (models.Scope, bool) {
	s := r.snap.Load()
	i, ok := s.scopeIndex[name]
	if !ok {
		return models.Scope{}, false
	}
	return s.scopes[i], true
}

// Scopes returns every registered scope in registry order
func (r *Registry) Scopes() []models.Scope {
	return append([]models.Scope(nil), r.snap.Load().scopes...)
}

// Audiences returns the aud values of the API scopes among names
func (r *Registry) Audiences(names []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, name := range names {
		sc, ok := r.Scope(name)
		if !ok || sc.Kind != models.ScopeKindAPI {
			continue
		}
		aud := sc.AudienceValue()
		if _, dup := seen[aud]; dup {
			continue
		}
		seen[aud] = struct{}{}
		out = append(out, aud)
	}
	return out
}

// IdentityClaims returns the claim names released by the identity scopes among names
func (r *Registry) IdentityClaims(names []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, name := range names {
		sc, ok := r.Scope(name)
		if !ok || sc.Kind != models.ScopeKindIdentity {
			continue
		}
		for _, claim := range sc.Claims {
			out[claim] = struct{}{}
		}
	}
	return out
}

// AllowsOrigin reports whether any client lists origin as a CORS origin
func (r *Registry) AllowsOrigin(origin string) bool {
	_, ok := r.snap.Load().origins[origin]
	return ok
}

// ClientCount returns the number of registered clients
func (r *Registry) ClientCount() int {
	return len(r.snap.Load().clients)
}
