// Package flows is the protocol endpoint state machine. Every endpoint is a
// plain function from a request value to a Response; no HTTP framework types
// cross this boundary.
package flows

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"oidc-server/internal/auth"
	"oidc-server/internal/keys"
	"oidc-server/internal/metrics"
	"oidc-server/internal/registry"
	"oidc-server/internal/session"
	"oidc-server/internal/storage"
	"oidc-server/internal/store"
)

// Endpoint paths relative to the issuer
const (
	PathAuthorize     = "/connect/authorize"
	PathToken         = "/connect/token"
	PathUserInfo      = "/connect/userinfo"
	PathEndSession    = "/connect/endsession"
	PathRevocation    = "/connect/revocation"
	PathIntrospection = "/connect/introspect"
	PathDiscovery     = "/.well-known/openid-configuration"
	PathJWKS          = "/.well-known/openid-configuration/jwks"
	PathLogin         = "/account/login"
	PathConsent       = "/consent"
	PathError         = "/error"
	PathUpstreamLogin = "/login/upstream/"
)

// Config holds the protocol lifetimes and policies
type Config struct {
	Issuer               string
	AccessTokenTTL       time.Duration
	IDTokenTTL           time.Duration
	RefreshTokenTTL      time.Duration
	CodeTTL              time.Duration
	RevokeGrantsOnLogout bool
}

// Provider is an upstream identity provider offered on the login page
type Provider struct {
	Name        string
	DisplayName string
}

// Deps are the collaborators the engine orchestrates
type Deps struct {
	Registry     *registry.Registry
	Codec        *keys.Codec
	Grants       storage.GrantStore
	Sessions     *session.Manager
	Interactions *store.InteractionStore
	Consents     *store.ConsentStore
	Profiles     *store.ProfileStore
	Users        *auth.UserDirectory
	Providers    []Provider
	Metrics      *metrics.MetricsCollector
	Logger       *logrus.Logger
}

// Engine runs the authorization server protocol
type Engine struct {
	cfg Config
	Deps
	now func() time.Time
}

// New creates an engine
func New(cfg Config, deps Deps) *Engine {
	return &Engine{cfg: cfg, Deps: deps, now: time.Now}
}

// Issuer returns the issuer identifier
func (e *Engine) Issuer() string {
	return e.cfg.Issuer
}

func (e *Engine) endpoint(path string) string {
	return e.cfg.Issuer + path
}

// userinfoAudience is the aud value access tokens need to call userinfo
func (e *Engine) userinfoAudience() string {
	return e.cfg.Issuer + "/userinfo"
}

// resourcesAudience is used when an access token names no API
func (e *Engine) resourcesAudience() string {
	return e.cfg.Issuer + "/resources"
}

// securityViolation logs the event and revokes grants derived from the same authorization
func (e *Engine) securityViolation(ctx context.Context, v *SecurityViolation) {
	e.Logger.WithFields(logrus.Fields{
		"event":     "security_violation",
		"reason":    v.Reason,
		"client_id": v.ClientID,
		"subject":   v.Subject,
	}).Error("🚨 Security violation detected")
	e.Metrics.RecordSecurityViolation(v.Reason)

	if v.FamilyID == "" {
		return
	}
	n, err := e.Grants.RevokeFamily(ctx, v.FamilyID)
	if err != nil {
		e.Logger.Errorf("❌ Failed to revoke grant family after %s: %v", v.Reason, err)
		return
	}
	e.Logger.Warnf("🧹 Revoked %d grants after %s for client %s", n, v.Reason, v.ClientID)
}
