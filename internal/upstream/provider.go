// Package upstream bridges logins to upstream OpenID Connect providers. It
// keeps a bounded-staleness cache of each provider's discovery metadata and
// translates verified upstream ID tokens into local claims.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"oidc-server/internal/metrics"
	"oidc-server/pkg/config"
)

// Bridge failures
var (
	ErrUnknownProvider = errors.New("unknown upstream provider")
	ErrStaleDiscovery  = errors.New("upstream discovery metadata unavailable")
	ErrTranslation     = errors.New("upstream token rejected")
	ErrNonceMismatch   = errors.New("upstream ID token nonce does not match")
)

// discovery is one successful fetch of a provider's metadata
type discovery struct {
	provider  *oidc.Provider
	verifier  *oidc.IDTokenVerifier
	fetchedAt time.Time
}

// Provider is a single upstream OpenID Connect provider
type Provider struct {
	cfg    config.UpstreamProviderConfig
	client *http.Client

	mu      sync.RWMutex
	current *discovery
	group   singleflight.Group

	refresh  time.Duration
	maxStale time.Duration
	timeout  time.Duration

	logger  *logrus.Logger
	metrics *metrics.MetricsCollector
	now     func() time.Time
}

// NewProvider creates a provider; discovery happens lazily on first use
func NewProvider(cfg config.UpstreamProviderConfig, client *http.Client, logger *logrus.Logger, mc *metrics.MetricsCollector) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		cfg:      cfg,
		client:   client,
		refresh:  seconds(cfg.DiscoveryRefreshSeconds, time.Hour),
		maxStale: seconds(cfg.DiscoveryMaxStaleSeconds, 24*time.Hour),
		timeout:  seconds(cfg.FetchTimeoutSeconds, 10*time.Second),
		logger:   logger,
		metrics:  mc,
		now:      time.Now,
	}
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// Name returns the provider name used in routes and subjects
func (p *Provider) Name() string {
	return p.cfg.Name
}

// DisplayName returns the label shown on the login page
func (p *Provider) DisplayName() string {
	if p.cfg.DisplayName != "" {
		return p.cfg.DisplayName
	}
	return p.cfg.Name
}

// discover returns cached metadata, refetching once it is older than the
// refresh interval. When a refetch fails the cached copy is served until it
// is older than the max-stale TTL.
func (p *Provider) discover(ctx context.Context) (*discovery, error) {
	p.mu.RLock()
	cached := p.current
	p.mu.RUnlock()

	now := p.now()
	if cached != nil && now.Sub(cached.fetchedAt) < p.refresh {
		return cached, nil
	}

	v, err, _ := p.group.Do(p.cfg.Name, func() (interface{}, error) {
		return p.fetch(ctx)
	})
	if err == nil {
		return v.(*discovery), nil
	}

	if cached != nil && now.Sub(cached.fetchedAt) < p.maxStale {
		p.logger.Warnf("⚠️ Using cached discovery for %s after refresh failure: %v", p.cfg.Name, err)
		return cached, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrStaleDiscovery, p.cfg.Name, err)
}

func (p *Provider) fetch(ctx context.Context) (*discovery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	fetchCtx = oidc.ClientContext(fetchCtx, p.client)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	retries := p.cfg.FetchRetries
	if retries < 0 {
		retries = 0
	}
	provider, err := backoff.Retry(fetchCtx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(fetchCtx, p.cfg.Issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.logger.Printf("🔄 Retrying discovery for %s in %v: %v", p.cfg.Name, d, err)
		}),
	)
	if err != nil {
		p.metrics.RecordDiscoveryFetch(p.cfg.Name, "error")
		return nil, err
	}

	// The key set keeps using the plain client context, not the fetch deadline
	keyCtx := oidc.ClientContext(context.Background(), p.client)
	d := &discovery{
		provider: provider,
		verifier: oidc.NewVerifier(p.cfg.Issuer, oidc.NewRemoteKeySet(keyCtx, jwksURI(provider)), &oidc.Config{
			ClientID: p.cfg.ClientID,
			Now:      p.now,
		}),
		fetchedAt: p.now(),
	}

	p.mu.Lock()
	p.current = d
	p.mu.Unlock()

	p.metrics.RecordDiscoveryFetch(p.cfg.Name, "success")
	p.logger.Printf("🌐 Fetched discovery metadata for upstream %s", p.cfg.Name)
	return d, nil
}

func jwksURI(provider *oidc.Provider) string {
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	_ = provider.Claims(&meta)
	return meta.JWKSURI
}

func (p *Provider) oauth2Config(d *discovery) *oauth2.Config {
	endpoint := d.provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       p.cfg.Scopes,
		Endpoint:     endpoint,
	}
}

// Translate verifies an upstream ID token and maps its claims to a local
// identity. Signing keys are refetched when the token names an unknown key.
func (p *Provider) Translate(ctx context.Context, rawIDToken, nonce string) (*Identity, error) {
	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	token, err := d.verifier.Verify(oidc.ClientContext(ctx, p.client), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranslation, err)
	}
	if nonce != "" && token.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var raw map[string]any
	if err := token.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranslation, err)
	}

	return &Identity{
		Provider:        p.cfg.Name,
		Subject:         LocalSubject(p.cfg.Name, token.Subject),
		UpstreamSubject: token.Subject,
		Claims:          mapClaims(raw, p.cfg.ClaimMappings),
	}, nil
}
