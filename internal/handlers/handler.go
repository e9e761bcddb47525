package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"oidc-server/internal/flows"
	"oidc-server/internal/session"
	"oidc-server/internal/upstream"
)

// Build information, set with -ldflags at release time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// CookieConfig controls the browser session and interaction binding cookies
type CookieConfig struct {
	Name        string
	BindingName string
	Secure      bool
}

// Handler adapts the protocol engine to net/http
type Handler struct {
	engine  *flows.Engine
	bridge  *upstream.Bridge
	cookies CookieConfig
	storage Pinger
	logger  *logrus.Logger
}

// NewHandler creates the HTTP handlers. bridge may be nil when no upstream
// providers are configured.
func NewHandler(engine *flows.Engine, bridge *upstream.Bridge, cookies CookieConfig, storage Pinger, logger *logrus.Logger) *Handler {
	if cookies.BindingName == "" {
		cookies.BindingName = session.BindingCookieName
	}
	return &Handler{
		engine:  engine,
		bridge:  bridge,
		cookies: cookies,
		storage: storage,
		logger:  logger,
	}
}

// Routes registers every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	h.ProtocolRoutes(r)
	h.InteractionRoutes(r)
	h.WellKnownRoutes(r)
	r.Get("/health", h.Health)
}

// ProtocolRoutes registers the OAuth2 and OpenID Connect endpoints
func (h *Handler) ProtocolRoutes(r chi.Router) {
	r.Get(flows.PathAuthorize, h.Authorize)
	r.Post(flows.PathAuthorize, h.Authorize)
	r.Post(flows.PathToken, h.Token)
	r.Get(flows.PathUserInfo, h.UserInfo)
	r.Post(flows.PathUserInfo, h.UserInfo)
	r.Get(flows.PathEndSession, h.EndSession)
	r.Post(flows.PathEndSession, h.EndSession)
	r.Post(flows.PathRevocation, h.Revoke)
	r.Post(flows.PathIntrospection, h.Introspect)
}

// InteractionRoutes registers the browser pages of the login and consent steps
func (h *Handler) InteractionRoutes(r chi.Router) {
	r.Get(flows.PathLogin, h.LoginPage)
	r.Post(flows.PathLogin, h.Login)
	r.Get(flows.PathConsent, h.ConsentPage)
	r.Post(flows.PathConsent, h.Consent)
	r.Get(flows.PathError, h.Error)
	r.Get(flows.PathUpstreamLogin+"{provider}", h.UpstreamLogin)
	r.Get("/callback/{provider}", h.UpstreamCallback)
}

// WellKnownRoutes registers discovery and the key set
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(flows.PathDiscovery, h.Discovery)
	r.Get(flows.PathJWKS, h.JWKS)
}

// sessionToken returns the session cookie value, if any
func (h *Handler) sessionToken(r *http.Request) string {
	c, err := r.Cookie(h.cookies.Name)
	if err != nil {
		return ""
	}
	return c.Value
}

// binding returns the interaction binding cookie value, if any
func (h *Handler) binding(r *http.Request) string {
	c, err := r.Cookie(h.cookies.BindingName)
	if err != nil {
		return ""
	}
	return c.Value
}
