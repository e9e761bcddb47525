package flows

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"oidc-server/internal/auth"
	"oidc-server/internal/keys"
	"oidc-server/internal/metrics"
	"oidc-server/internal/models"
	"oidc-server/internal/registry"
	"oidc-server/internal/session"
	"oidc-server/internal/storage"
	"oidc-server/internal/store"
	"oidc-server/pkg/config"
)

const (
	testIssuer   = "https://idp.example"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type harness struct {
	engine   *Engine
	storage  *storage.MemoryStorage
	sessions *session.Manager
	codec    *keys.Codec
	binding  string // browser binding from the last signIn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		IdentityResources: []config.ScopeConfig{
			{Name: "openid", Claims: []string{"sub"}},
			{Name: "profile", Claims: []string{"name", "preferred_username", "role"}},
			{Name: "email", Claims: []string{"email", "email_verified"}},
		},
		APIScopes: []config.ScopeConfig{{Name: "api1", DisplayName: "API 1"}},
		Clients: []config.ClientConfig{
			{
				ID:           "c1",
				GrantTypes:   []string{"authorization_code", "refresh_token"},
				RedirectURIs: []string{"https://app/cb"},
				Scopes:       []string{"openid", "profile", "email", "api1"},
				RequirePKCE:  true,
			},
			{
				ID:                     "web",
				Name:                   "Web App",
				Secret:                 "web-secret",
				GrantTypes:             []string{"authorization_code", "refresh_token"},
				RedirectURIs:           []string{"https://web/cb"},
				PostLogoutRedirectURIs: []string{"https://web/bye"},
				Scopes:                 []string{"openid", "profile", "api1"},
				RequireConsent:         true,
			},
			{
				ID:         "svc",
				Secret:     "svc-secret",
				GrantTypes: []string{"client_credentials"},
				Scopes:     []string{"api1"},
			},
		},
	}

	reg, err := registry.New(ctx, logger, registry.NewConfigSource(cfg))
	require.NoError(t, err)

	key, err := keys.GenerateKey("RS256", time.Now())
	require.NoError(t, err)
	codec := keys.NewCodec(keys.NewManagerWithKey(key, 0, nil), testIssuer, 5*time.Second)

	mem := storage.NewMemoryStorage()
	sessions, err := session.NewManager(mem, session.Config{
		Secret:          []byte("0123456789abcdef0123456789abcdef"),
		IdleTimeout:     time.Hour,
		AbsoluteTimeout: 8 * time.Hour,
	}, logger)
	require.NoError(t, err)

	users, err := auth.NewUserDirectory([]config.UserConfig{{
		ID:       "alice-id",
		Username: "alice",
		Password: "wonderland",
		Email:    "alice@example.com",
		Name:     "Alice Liddell",
		Roles:    []string{"reader"},
	}})
	require.NoError(t, err)

	engine := New(Config{
		Issuer:          testIssuer,
		AccessTokenTTL:  time.Hour,
		IDTokenTTL:      5 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		CodeTTL:         time.Minute,
	}, Deps{
		Registry:     reg,
		Codec:        codec,
		Grants:       mem,
		Sessions:     sessions,
		Interactions: store.NewInteractionStore(mem, 10*time.Minute),
		Consents:     store.NewConsentStore(mem),
		Profiles:     store.NewProfileStore(mem),
		Users:        users,
		Metrics:      metrics.NewMetricsCollector(prometheus.NewRegistry()),
		Logger:       logger,
	})
	return &harness{engine: engine, storage: mem, sessions: sessions, codec: codec}
}

func c1Params(extra ...string) url.Values {
	p := url.Values{
		"client_id":             {"c1"},
		"redirect_uri":          {"https://app/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid profile"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(testVerifier)},
		"code_challenge_method": {"S256"},
	}
	for i := 0; i+1 < len(extra); i += 2 {
		p.Set(extra[i], extra[i+1])
	}
	return p
}

func webParams(extra ...string) url.Values {
	p := url.Values{
		"client_id":     {"web"},
		"redirect_uri":  {"https://web/cb"},
		"response_type": {"code"},
		"scope":         {"openid profile api1"},
		"state":         {"abc"},
	}
	for i := 0; i+1 < len(extra); i += 2 {
		p.Set(extra[i], extra[i+1])
	}
	return p
}

func location(t *testing.T, resp *Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.Status)
	u, err := url.Parse(resp.Location)
	require.NoError(t, err)
	return u
}

// signIn runs authorize and the login form; it returns the final response and the session token
func (h *harness) signIn(t *testing.T, params url.Values) (*Response, string) {
	t.Helper()
	ctx := context.Background()

	resp := h.engine.Authorize(ctx, AuthorizeRequest{Params: params})
	require.Equal(t, StateNeedsLogin, resp.State)
	require.NotEmpty(t, resp.SetBinding)
	h.binding = resp.SetBinding
	loginURL := location(t, resp)
	require.Equal(t, PathLogin, loginURL.Path)
	interactionID := loginURL.Query().Get("interaction")
	require.NotEmpty(t, interactionID)

	page := h.engine.LoginPage(ctx, interactionID, h.binding)
	require.NotNil(t, page.Page)
	assert.Equal(t, PageLogin, page.Page.Kind)

	resp = h.engine.Login(ctx, LoginRequest{InteractionID: interactionID, Binding: h.binding, Username: "alice", Password: "wonderland"})
	require.NotEmpty(t, resp.SetSession)
	return resp, resp.SetSession
}

func codeFrom(t *testing.T, resp *Response) string {
	t.Helper()
	u := location(t, resp)
	code := u.Query().Get("code")
	require.NotEmpty(t, code, "expected a code in %s", resp.Location)
	return code
}

func (h *harness) exchange(code string, creds auth.ClientCredentials, redirectURI, verifier string) *Response {
	return h.engine.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
		Credentials:  creds,
	})
}

var c1Creds = auth.ClientCredentials{ClientID: "c1", Method: auth.MethodNone}
var webCreds = auth.ClientCredentials{ClientID: "web", ClientSecret: "web-secret", Method: auth.MethodBasic}

func errorCode(t *testing.T, resp *Response) string {
	t.Helper()
	body, ok := resp.Body.(models.ErrorResponse)
	require.True(t, ok, "expected an error body, got %#v", resp.Body)
	return body.Error
}

func tokens(t *testing.T, resp *Response) *models.TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.Status, "body: %#v", resp.Body)
	switch body := resp.Body.(type) {
	case *models.TokenResponse:
		return body
	case models.TokenResponse:
		return &body
	}
	t.Fatalf("unexpected token body %#v", resp.Body)
	return nil
}

func TestAuthorizeRejections(t *testing.T) {
	tests := []struct {
		name       string
		params     url.Values
		wantReason string
		wantPrefix string
	}{
		{
			name:       "unknown client",
			params:     c1Params("client_id", "nope"),
			wantReason: "invalid_client",
			wantPrefix: testIssuer + PathError,
		},
		{
			name:       "unregistered redirect uri",
			params:     c1Params("redirect_uri", "https://app/cb2"),
			wantReason: ReasonInvalidRedirectURI,
			wantPrefix: testIssuer + PathError,
		},
		{
			name:       "token response type",
			params:     c1Params("response_type", "token"),
			wantReason: "unsupported_response_type",
			wantPrefix: "https://app/cb",
		},
		{
			name:       "scope not allowed",
			params:     c1Params("scope", "openid admin"),
			wantReason: "invalid_scope",
			wantPrefix: "https://app/cb",
		},
		{
			name:       "empty scope",
			params:     c1Params("scope", ""),
			wantReason: "invalid_scope",
			wantPrefix: "https://app/cb",
		},
		{
			name:       "plain pkce",
			params:     c1Params("code_challenge_method", "plain"),
			wantReason: "invalid_request",
			wantPrefix: "https://app/cb",
		},
		{
			name: "public client without pkce",
			params: func() url.Values {
				p := c1Params()
				p.Del("code_challenge")
				p.Del("code_challenge_method")
				return p
			}(),
			wantReason: "invalid_request",
			wantPrefix: "https://app/cb",
		},
		{
			name:       "prompt none combined",
			params:     c1Params("prompt", "none login"),
			wantReason: "invalid_request",
			wantPrefix: "https://app/cb",
		},
		{
			name:       "negative max_age",
			params:     c1Params("max_age", "-1"),
			wantReason: "invalid_request",
			wantPrefix: "https://app/cb",
		},
	}

	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: tt.params})
			assert.Equal(t, StateRejected, resp.State)
			assert.Equal(t, tt.wantReason, resp.Reason)
			assert.True(t, strings.HasPrefix(resp.Location, tt.wantPrefix), "location %s", resp.Location)
			assert.NotContains(t, resp.Location, "code=")
		})
	}
}

func TestAuthorizeRejectsRepeatedParameters(t *testing.T) {
	h := newHarness(t)
	p := c1Params()
	p.Add("scope", "email")

	resp := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: p})
	assert.Equal(t, StateRejected, resp.State)
	assert.Equal(t, "invalid_request", resp.Reason)
}

func TestCodeFlowIssuesTokensOnce(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.signIn(t, c1Params())

	assert.Equal(t, StateRedirected, resp.State)
	assert.Equal(t, []State{StateNeedsLogin, StateAuthenticated, StateConsented, StateGrantIssued, StateRedirected}, resp.Trail)
	u := location(t, resp)
	assert.Equal(t, "xyz", u.Query().Get("state"))
	assert.Equal(t, testIssuer, u.Query().Get("iss"))

	code := codeFrom(t, resp)
	tok := tokens(t, h.exchange(code, c1Creds, "https://app/cb", testVerifier))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.RefreshToken)
	require.NotEmpty(t, tok.IDToken)

	idClaims, err := h.codec.Verify(tok.IDToken, keys.Expectations{Audience: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "alice-id", idClaims["sub"])
	assert.Equal(t, "n-0S6", idClaims["nonce"])
	assert.Equal(t, halfHash(tok.AccessToken), idClaims["at_hash"])

	atClaims, err := h.codec.Verify(tok.AccessToken, keys.Expectations{Audience: testIssuer + "/userinfo"})
	require.NoError(t, err)
	assert.Equal(t, "openid profile", atClaims["scope"])

	replay := h.exchange(code, c1Creds, "https://app/cb", testVerifier)
	assert.Equal(t, http.StatusBadRequest, replay.Status)
	assert.Equal(t, "invalid_grant", errorCode(t, replay))

	// The replay revoked the refresh token issued from the code
	refreshed := h.engine.Token(context.Background(), TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: tok.RefreshToken,
		Credentials:  c1Creds,
	})
	assert.Equal(t, "invalid_grant", errorCode(t, refreshed))
}

func TestConcurrentCodeExchangeHasOneWinner(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.signIn(t, c1Params())
	code := codeFrom(t, resp)

	const workers = 8
	var wg sync.WaitGroup
	statuses := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = h.exchange(code, c1Creds, "https://app/cb", testVerifier).Status
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, s := range statuses {
		if s == http.StatusOK {
			wins++
		} else {
			assert.Equal(t, http.StatusBadRequest, s)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCodeExchangeFailures(t *testing.T) {
	tests := []struct {
		name        string
		creds       auth.ClientCredentials
		redirectURI string
		verifier    string
		wantError   string
		burnsCode   bool
	}{
		{
			name:        "wrong verifier",
			creds:       c1Creds,
			redirectURI: "https://app/cb",
			verifier:    strings.Repeat("a", 43),
			wantError:   "invalid_grant",
			burnsCode:   true,
		},
		{
			name:        "missing verifier",
			creds:       c1Creds,
			redirectURI: "https://app/cb",
			wantError:   "invalid_grant",
			burnsCode:   true,
		},
		{
			name:        "redirect mismatch",
			creds:       c1Creds,
			redirectURI: "https://app/other",
			verifier:    testVerifier,
			wantError:   "invalid_grant",
			burnsCode:   true,
		},
		{
			name:        "other client",
			creds:       webCreds,
			redirectURI: "https://app/cb",
			verifier:    testVerifier,
			wantError:   "invalid_grant",
		},
		{
			name:        "bad secret",
			creds:       auth.ClientCredentials{ClientID: "web", ClientSecret: "wrong", Method: auth.MethodBasic},
			redirectURI: "https://app/cb",
			verifier:    testVerifier,
			wantError:   "invalid_client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp, _ := h.signIn(t, c1Params())
			code := codeFrom(t, resp)

			failed := h.exchange(code, tt.creds, tt.redirectURI, tt.verifier)
			assert.Equal(t, tt.wantError, errorCode(t, failed))

			retry := h.exchange(code, c1Creds, "https://app/cb", testVerifier)
			if tt.burnsCode {
				assert.Equal(t, "invalid_grant", errorCode(t, retry))
			} else {
				assert.Equal(t, http.StatusOK, retry.Status)
			}
		})
	}
}

func TestInvalidClientCarriesChallenge(t *testing.T) {
	h := newHarness(t)
	resp := h.engine.Token(context.Background(), TokenRequest{
		GrantType:   "client_credentials",
		Credentials: auth.ClientCredentials{ClientID: "svc", ClientSecret: "nope", Method: auth.MethodBasic},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, "invalid_client", errorCode(t, resp))
	assert.Contains(t, resp.Headers["WWW-Authenticate"], "Basic")
}

func TestClientCredentials(t *testing.T) {
	h := newHarness(t)
	svc := auth.ClientCredentials{ClientID: "svc", ClientSecret: "svc-secret", Method: auth.MethodPost}

	tok := tokens(t, h.engine.Token(context.Background(), TokenRequest{
		GrantType:   "client_credentials",
		Scope:       "api1",
		Credentials: svc,
	}))
	assert.Empty(t, tok.IDToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Equal(t, "api1", tok.Scope)

	claims, err := h.codec.Verify(tok.AccessToken, keys.Expectations{Audience: "api1"})
	require.NoError(t, err)
	assert.Equal(t, "svc", claims["sub"])
	assert.Equal(t, "svc", claims["client_id"])

	// Empty scope means every allowed API scope
	tok = tokens(t, h.engine.Token(context.Background(), TokenRequest{GrantType: "client_credentials", Credentials: svc}))
	assert.Equal(t, "api1", tok.Scope)

	denied := h.engine.Token(context.Background(), TokenRequest{GrantType: "client_credentials", Scope: "openid", Credentials: svc})
	assert.Equal(t, "invalid_scope", errorCode(t, denied))

	unsupported := h.engine.Token(context.Background(), TokenRequest{GrantType: "password", Credentials: svc})
	assert.Equal(t, "unsupported_grant_type", errorCode(t, unsupported))
}

func TestExistingSessionSkipsLogin(t *testing.T) {
	h := newHarness(t)
	_, token := h.signIn(t, c1Params())

	resp := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: c1Params("state", "second"), SessionToken: token})
	assert.Equal(t, StateRedirected, resp.State)
	assert.Equal(t, "second", location(t, resp).Query().Get("state"))
	codeFrom(t, resp)

	forced := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: c1Params("prompt", "login"), SessionToken: token})
	assert.Equal(t, StateNeedsLogin, forced.State)
}

func TestEndedSessionNeedsLogin(t *testing.T) {
	h := newHarness(t)
	_, token := h.signIn(t, c1Params())
	_, err := h.sessions.EndSession(context.Background(), token)
	require.NoError(t, err)

	resp := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: c1Params(), SessionToken: token})
	assert.Equal(t, StateNeedsLogin, resp.State)
	assert.Equal(t, PathLogin, location(t, resp).Path)
	assert.True(t, resp.ClearSession)
}

func TestPromptNoneWithoutSession(t *testing.T) {
	h := newHarness(t)
	resp := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: c1Params("prompt", "none")})

	assert.Equal(t, StateRejected, resp.State)
	u := location(t, resp)
	assert.Equal(t, "app", u.Host)
	assert.Equal(t, "login_required", u.Query().Get("error"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestLoginFailuresAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.engine.Authorize(ctx, AuthorizeRequest{Params: c1Params()})
	id := location(t, resp).Query().Get("interaction")
	binding := resp.SetBinding

	bad := h.engine.Login(ctx, LoginRequest{InteractionID: id, Binding: binding, Username: "alice", Password: "wrong"})
	require.NotNil(t, bad.Page)
	assert.Equal(t, "alice", bad.Page.Username)
	assert.NotEmpty(t, bad.Page.Error)
	assert.Empty(t, bad.SetSession)

	cancelled := h.engine.Login(ctx, LoginRequest{InteractionID: id, Binding: binding, Cancel: true})
	assert.Equal(t, StateRejected, cancelled.State)
	assert.Equal(t, "access_denied", location(t, cancelled).Query().Get("error"))

	// A cancelled request cannot be resumed by resubmitting the form
	resubmitted := h.engine.Login(ctx, LoginRequest{InteractionID: id, Binding: binding, Username: "alice", Password: "wonderland"})
	assert.Equal(t, testIssuer+PathError, strings.SplitN(resubmitted.Location, "?", 2)[0])
	assert.Empty(t, resubmitted.SetSession)
	_, err := h.engine.Interactions.Get(ctx, id)
	assert.ErrorIs(t, err, store.ErrInteractionNotFound)

	unknown := h.engine.Login(ctx, LoginRequest{InteractionID: "missing", Binding: binding, Username: "alice", Password: "wonderland"})
	assert.Equal(t, testIssuer+PathError, strings.SplitN(unknown.Location, "?", 2)[0])
}

func TestDeniedConsentCannotBeResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, token := h.signIn(t, webParams())
	id := location(t, resp).Query().Get("interaction")

	denied := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: h.binding, SessionToken: token})
	assert.Equal(t, StateRejected, denied.State)

	again := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: h.binding, SessionToken: token, Approve: true})
	assert.Equal(t, testIssuer+PathError, strings.SplitN(again.Location, "?", 2)[0])
}

func TestInteractionBoundToBrowser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.engine.Authorize(ctx, AuthorizeRequest{Params: c1Params()})
	id := location(t, resp).Query().Get("interaction")
	binding := resp.SetBinding
	require.NotEmpty(t, binding)
	assert.True(t, resp.BindingExpires.After(time.Now()))

	// A browser that already has a binding keeps it for new interactions
	second := h.engine.Authorize(ctx, AuthorizeRequest{Params: c1Params("state", "two"), Binding: binding})
	assert.Equal(t, binding, second.SetBinding)

	tests := []struct {
		name    string
		binding string
	}{
		{name: "no cookie", binding: ""},
		{name: "other browser", binding: "attacker-binding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := h.engine.LoginPage(ctx, id, tt.binding)
			assert.Nil(t, page.Page)
			assert.Equal(t, testIssuer+PathError, strings.SplitN(page.Location, "?", 2)[0])

			login := h.engine.Login(ctx, LoginRequest{InteractionID: id, Binding: tt.binding, Username: "alice", Password: "wonderland"})
			assert.Equal(t, testIssuer+PathError, strings.SplitN(login.Location, "?", 2)[0])
			assert.Empty(t, login.SetSession)

			upstream := h.engine.CompleteLogin(ctx, id, tt.binding, "alice-id", "upstream", nil)
			assert.Equal(t, testIssuer+PathError, strings.SplitN(upstream.Location, "?", 2)[0])
			assert.Empty(t, upstream.SetSession)

			assert.NotNil(t, h.engine.PendingLogin(ctx, id, tt.binding))
			abandoned := h.engine.AbandonLogin(ctx, id, tt.binding, "gone")
			assert.NotEqual(t, StateRejected, abandoned.State)
		})
	}

	// The rightful browser can still finish
	assert.Nil(t, h.engine.PendingLogin(ctx, id, binding))
	done := h.engine.Login(ctx, LoginRequest{InteractionID: id, Binding: binding, Username: "alice", Password: "wonderland"})
	assert.Equal(t, StateRedirected, done.State)
	codeFrom(t, done)
}

func TestMaxAgeFreshness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, token := h.signIn(t, c1Params())
	start := time.Now()

	tests := []struct {
		name      string
		elapsed   time.Duration
		wantState State
	}{
		{name: "within max_age", elapsed: 30 * time.Second, wantState: StateRedirected},
		{name: "past max_age", elapsed: 2 * time.Minute, wantState: StateNeedsLogin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.engine.now = func() time.Time { return start.Add(tt.elapsed) }
			t.Cleanup(func() { h.engine.now = time.Now })

			resp := h.engine.Authorize(ctx, AuthorizeRequest{Params: c1Params("max_age", "60"), SessionToken: token})
			assert.Equal(t, tt.wantState, resp.State)
			if tt.wantState == StateNeedsLogin {
				assert.Equal(t, PathLogin, location(t, resp).Path)
				return
			}
			assert.Contains(t, resp.Trail, StateGrantIssued)
			codeFrom(t, resp)
		})
	}
}

func TestConsentFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, token := h.signIn(t, webParams())
	require.Equal(t, StateNeedsConsent, resp.State)
	consentURL := location(t, resp)
	require.Equal(t, PathConsent, consentURL.Path)
	id := consentURL.Query().Get("interaction")

	page := h.engine.ConsentPage(ctx, id, token, h.binding)
	require.NotNil(t, page.Page)
	assert.Equal(t, "Web App", page.Page.ClientName)
	require.Len(t, page.Page.Scopes, 3)

	// Another browser cannot approve the interaction
	stranger := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: h.binding, SessionToken: "forged", Approve: true})
	assert.Equal(t, StateRejected, stranger.State)

	resp, token = h.signIn(t, webParams())
	id = location(t, resp).Query().Get("interaction")
	approved := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: h.binding, SessionToken: token, Approve: true, Remember: true})
	assert.Equal(t, StateRedirected, approved.State)
	code := codeFrom(t, approved)

	tok := tokens(t, h.exchange(code, webCreds, "https://web/cb", ""))
	claims, err := h.codec.Verify(tok.AccessToken, keys.Expectations{Audience: "api1"})
	require.NoError(t, err)
	assert.True(t, keys.HasAudience(claims, testIssuer+"/userinfo"))

	// Remembered consent skips the page
	again := h.engine.Authorize(ctx, AuthorizeRequest{Params: webParams(), SessionToken: token})
	assert.Equal(t, StateRedirected, again.State)

	// prompt=consent shows the page even with a remembered decision
	wider := h.engine.Authorize(ctx, AuthorizeRequest{Params: webParams("prompt", "consent"), SessionToken: token})
	assert.Equal(t, StateNeedsConsent, wider.State)
	id = location(t, wider).Query().Get("interaction")

	denied := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: wider.SetBinding, SessionToken: token})
	assert.Equal(t, StateRejected, denied.State)
	assert.Equal(t, "access_denied", location(t, denied).Query().Get("error"))
}

func TestPromptNoneWithoutConsent(t *testing.T) {
	h := newHarness(t)
	resp, token := h.signIn(t, webParams())
	require.Equal(t, StateNeedsConsent, resp.State)

	silent := h.engine.Authorize(context.Background(), AuthorizeRequest{Params: webParams("prompt", "none"), SessionToken: token})
	assert.Equal(t, "consent_required", location(t, silent).Query().Get("error"))
}

func TestRefreshRotationAndReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resp, _ := h.signIn(t, c1Params("scope", "openid profile api1"))
	first := tokens(t, h.exchange(codeFrom(t, resp), c1Creds, "https://app/cb", testVerifier))

	second := tokens(t, h.engine.Token(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: first.RefreshToken,
		Scope:        "openid api1",
		Credentials:  c1Creds,
	}))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "openid api1", second.Scope)
	require.NotEmpty(t, second.IDToken)
	idClaims, err := h.codec.Verify(second.IDToken, keys.Expectations{Audience: "c1"})
	require.NoError(t, err)
	assert.NotContains(t, idClaims, "nonce")

	widen := h.engine.Token(ctx, TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: second.RefreshToken,
		Scope:        "openid profile email",
		Credentials:  c1Creds,
	})
	assert.Equal(t, "invalid_scope", errorCode(t, widen))

	replay := h.engine.Token(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: first.RefreshToken, Credentials: c1Creds})
	assert.Equal(t, "invalid_grant", errorCode(t, replay))

	// The whole family is gone after the replay
	revoked := h.engine.Token(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: second.RefreshToken, Credentials: c1Creds})
	assert.Equal(t, "invalid_grant", errorCode(t, revoked))
}

func TestUserInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resp, _ := h.signIn(t, c1Params("scope", "openid email"))
	tok := tokens(t, h.exchange(codeFrom(t, resp), c1Creds, "https://app/cb", testVerifier))

	info := h.engine.UserInfo(ctx, tok.AccessToken)
	require.Equal(t, http.StatusOK, info.Status)
	body := info.Body.(map[string]any)
	assert.Equal(t, "alice-id", body["sub"])
	assert.Equal(t, "alice@example.com", body["email"])
	assert.NotContains(t, body, "name")

	missing := h.engine.UserInfo(ctx, "")
	assert.Equal(t, http.StatusUnauthorized, missing.Status)
	assert.Contains(t, missing.Headers["WWW-Authenticate"], "Bearer")

	svc := tokens(t, h.engine.Token(ctx, TokenRequest{
		GrantType:   "client_credentials",
		Credentials: auth.ClientCredentials{ClientID: "svc", ClientSecret: "svc-secret"},
	}))
	wrongAud := h.engine.UserInfo(ctx, svc.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, wrongAud.Status)
	assert.Equal(t, "invalid_token", errorCode(t, wrongAud))
}

func TestEndSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.cfg.RevokeGrantsOnLogout = true

	resp, token := h.signIn(t, webParams())
	id := location(t, resp).Query().Get("interaction")
	approved := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: h.binding, SessionToken: token, Approve: true})
	tok := tokens(t, h.exchange(codeFrom(t, approved), webCreds, "https://web/cb", ""))

	out := h.engine.EndSession(ctx, EndSessionRequest{
		Params: url.Values{
			"id_token_hint":            {tok.IDToken},
			"post_logout_redirect_uri": {"https://web/bye"},
			"state":                    {"s1"},
		},
		SessionToken: token,
	})
	assert.True(t, out.ClearSession)
	u := location(t, out)
	assert.Equal(t, "web", u.Host)
	assert.Equal(t, "s1", u.Query().Get("state"))

	_, err := h.sessions.GetSession(ctx, token)
	assert.ErrorIs(t, err, session.ErrNoSession)

	refreshed := h.engine.Token(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: tok.RefreshToken, Credentials: webCreds})
	assert.Equal(t, "invalid_grant", errorCode(t, refreshed))

	unregistered := h.engine.EndSession(ctx, EndSessionRequest{
		Params: url.Values{"client_id": {"web"}, "post_logout_redirect_uri": {"https://evil/bye"}},
	})
	require.NotNil(t, unregistered.Page)
	assert.Equal(t, PageLoggedOut, unregistered.Page.Kind)
	assert.Empty(t, unregistered.Location)
}

func TestRevokeAndIntrospect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, token := h.signIn(t, webParams())
	id := location(t, resp).Query().Get("interaction")
	approved := h.engine.Consent(ctx, ConsentRequest{InteractionID: id, Binding: h.binding, SessionToken: token, Approve: true})
	tok := tokens(t, h.exchange(codeFrom(t, approved), webCreds, "https://web/cb", ""))

	active := h.engine.Introspect(ctx, TokenActionRequest{Token: tok.AccessToken, Credentials: webCreds})
	body := active.Body.(models.IntrospectionResponse)
	assert.True(t, body.Active)
	assert.Equal(t, "alice-id", body.Subject)

	rt := h.engine.Introspect(ctx, TokenActionRequest{Token: tok.RefreshToken, TokenTypeHint: "refresh_token", Credentials: webCreds})
	assert.True(t, rt.Body.(models.IntrospectionResponse).Active)

	// Public clients cannot introspect
	public := h.engine.Introspect(ctx, TokenActionRequest{Token: tok.AccessToken, Credentials: c1Creds})
	assert.Equal(t, "invalid_client", errorCode(t, public))

	revoked := h.engine.Revoke(ctx, TokenActionRequest{Token: tok.RefreshToken, Credentials: webCreds})
	assert.Equal(t, http.StatusOK, revoked.Status)

	gone := h.engine.Introspect(ctx, TokenActionRequest{Token: tok.RefreshToken, Credentials: webCreds})
	assert.False(t, gone.Body.(models.IntrospectionResponse).Active)

	unknown := h.engine.Revoke(ctx, TokenActionRequest{Token: "unknown", Credentials: webCreds})
	assert.Equal(t, http.StatusOK, unknown.Status)
}

func TestDiscoveryAndJWKS(t *testing.T) {
	h := newHarness(t)

	resp := h.engine.Discovery()
	doc := resp.Body.(DiscoveryDocument)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+PathAuthorize, doc.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+PathJWKS, doc.JWKSURI)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.Contains(t, doc.ScopesSupported, "api1")
	assert.Contains(t, doc.ClaimsSupported, "email")
	assert.Contains(t, doc.IDTokenSigningAlgValuesSupported, "RS256")

	jwks := h.engine.JWKS()
	assert.Equal(t, http.StatusOK, jwks.Status)
	assert.NotEmpty(t, jwks.Headers["Cache-Control"])
}

func TestTraceRejectsIllegalTransitions(t *testing.T) {
	tr := newTrace(StateReceived)
	require.NoError(t, tr.advance(StateClientValidated))
	assert.Error(t, tr.advance(StateGrantIssued))
	require.NoError(t, tr.advance(StateRejected))
	assert.Error(t, tr.advance(StateClientValidated))
	assert.True(t, StateRejected.Terminal())
}
