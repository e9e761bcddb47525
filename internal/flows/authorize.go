package flows

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"github.com/sirupsen/logrus"

	"oidc-server/internal/models"
	"oidc-server/internal/session"
	"oidc-server/internal/store"
	"oidc-server/internal/utils"
)

// AuthorizeRequest is the authorize endpoint input
type AuthorizeRequest struct {
	Params       url.Values
	SessionToken string
	// Binding is the browser's interaction binding cookie, if it has one
	Binding string
}

var pkceChallengePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// single-valued authorize parameters
var authorizeParams = []string{
	"client_id", "redirect_uri", "response_type", "scope", "state", "nonce",
	"code_challenge", "code_challenge_method", "prompt", "max_age",
}

// authorization carries one in-flight authorize request through the state machine
type authorization struct {
	trace       *flowTrace
	req         *models.AuthorizationRequest
	client      *models.Client
	interaction *models.Interaction

	session      *models.Session
	sessionToken string
	newSession   bool
	staleSession bool

	binding    string
	setBinding bool

	// set when the user just completed the corresponding interaction
	loggedIn  bool
	consented bool
}

// rejection is a terminal authorize failure
type rejection struct {
	err    *fosite.RFC6749Error
	reason string
	// redirect is empty until client_id and redirect_uri are trusted
	redirect string
	state    string
}

// Authorize handles a new authorization request
func (e *Engine) Authorize(ctx context.Context, in AuthorizeRequest) *Response {
	a := &authorization{trace: newTrace(StateReceived), binding: in.Binding}

	req, client, rej := e.validateAuthorize(in.Params)
	if rej != nil {
		return e.rejectAuthorize(ctx, a, rej)
	}
	a.req, a.client = req, client
	if err := a.trace.advance(StateClientValidated); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}

	if in.SessionToken != "" {
		sess, err := e.Sessions.GetSession(ctx, in.SessionToken)
		switch {
		case err == nil:
			a.session, a.sessionToken = sess, in.SessionToken
		case errors.Is(err, session.ErrNoSession):
			a.staleSession = true
		default:
			return e.authorizeServerError(ctx, a, err)
		}
	}
	return e.authenticate(ctx, a)
}

func (e *Engine) validateAuthorize(p url.Values) (*models.AuthorizationRequest, *models.Client, *rejection) {
	clientID := p.Get("client_id")
	client, err := e.Registry.LookupClient(clientID)
	if err != nil {
		return nil, nil, &rejection{
			err:    fosite.ErrInvalidClient.WithHint("The client_id is not registered."),
			reason: fosite.ErrInvalidClient.ErrorField,
		}
	}

	redirectURI := p.Get("redirect_uri")
	if len(p["redirect_uri"]) != 1 || !client.HasRedirectURI(redirectURI) {
		e.Logger.WithFields(logrus.Fields{
			"event":        "security_violation",
			"reason":       ViolationRedirectMismatch,
			"client_id":    clientID,
			"redirect_uri": redirectURI,
		}).Error("🚨 Authorize request with unregistered redirect_uri")
		e.Metrics.RecordSecurityViolation(ViolationRedirectMismatch)
		return nil, nil, &rejection{
			err:    fosite.ErrInvalidRequest.WithHint("The redirect_uri does not match any registered value."),
			reason: ReasonInvalidRedirectURI,
		}
	}

	// From here on errors go back to the client
	state := p.Get("state")
	fail := func(err *fosite.RFC6749Error) (*models.AuthorizationRequest, *models.Client, *rejection) {
		return nil, nil, &rejection{err: err, reason: err.ErrorField, redirect: redirectURI, state: state}
	}

	for _, name := range authorizeParams {
		if len(p[name]) > 1 {
			return fail(fosite.ErrInvalidRequest.WithHintf("The '%s' parameter must not be repeated.", name))
		}
	}

	req := &models.AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        p.Get("response_type"),
		RequestedScopes:     utils.SplitScopes(p.Get("scope")),
		State:               state,
		Nonce:               p.Get("nonce"),
		CodeChallenge:       p.Get("code_challenge"),
		CodeChallengeMethod: p.Get("code_challenge_method"),
		Prompt:              utils.SplitScopes(p.Get("prompt")),
		MaxAge:              -1,
	}

	switch req.ResponseType {
	case "code":
	case "":
		return fail(fosite.ErrInvalidRequest.WithHint("The 'response_type' parameter is required."))
	default:
		return fail(fosite.ErrUnsupportedResponseType.WithHint("Only the authorization code flow ('response_type=code') is supported."))
	}
	if !client.AllowsGrant(models.GrantTypeAuthorizationCode) {
		return fail(fosite.ErrUnauthorizedClient.WithHint("The client is not allowed to use the authorization code grant."))
	}

	granted, err := e.Registry.ValidateScopes(client, req.RequestedScopes)
	if err != nil {
		return fail(fosite.ErrInvalidScope.WithHint(err.Error()))
	}
	req.GrantedScopes = granted

	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "S256" {
			return fail(fosite.ErrInvalidRequest.WithHint("Only the 'S256' code_challenge_method is supported."))
		}
		if !pkceChallengePattern.MatchString(req.CodeChallenge) {
			return fail(fosite.ErrInvalidRequest.WithHint("The code_challenge is malformed."))
		}
	} else {
		if req.CodeChallengeMethod != "" {
			return fail(fosite.ErrInvalidRequest.WithHint("code_challenge_method was sent without a code_challenge."))
		}
		if client.IsPublic() || client.RequirePKCE {
			return fail(fosite.ErrInvalidRequest.WithHint("This client must use PKCE with a 'S256' code_challenge."))
		}
	}

	for _, prompt := range req.Prompt {
		switch prompt {
		case "none", "login", "consent", "select_account":
		default:
			return fail(fosite.ErrInvalidRequest.WithHintf("Unsupported prompt value '%s'.", prompt))
		}
	}
	if req.HasPrompt("none") && len(req.Prompt) > 1 {
		return fail(fosite.ErrInvalidRequest.WithHint("prompt=none cannot be combined with other values."))
	}

	if raw := p.Get("max_age"); raw != "" {
		maxAge, err := strconv.Atoi(raw)
		if err != nil || maxAge < 0 {
			return fail(fosite.ErrInvalidRequest.WithHint("max_age must be a non-negative integer."))
		}
		req.MaxAge = maxAge
	}

	return req, client, nil
}

// authenticate moves ClientValidated (or a resumed NeedsLogin) to Authenticated,
// suspending the request for interactive login when needed
func (e *Engine) authenticate(ctx context.Context, a *authorization) *Response {
	if a.session == nil || (!a.loggedIn && e.needsReauthentication(a.req, a.session)) {
		if a.req.HasPrompt("none") {
			return e.rejectAuthorize(ctx, a, a.clientRejection(fosite.ErrLoginRequired.WithHint("The user is not logged in or the session is too old.")))
		}
		if err := a.trace.advance(StateNeedsLogin); err != nil {
			return e.authorizeServerError(ctx, a, err)
		}
		in, err := e.suspend(ctx, a, store.StageLogin)
		if err != nil {
			return e.authorizeServerError(ctx, a, err)
		}
		resp := redirectResponse(appendQuery(e.endpoint(PathLogin), url.Values{"interaction": {in.ID}}))
		resp.ClearSession = a.staleSession
		return e.finishAuthorize(a, resp)
	}

	if err := a.trace.advance(StateAuthenticated); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	return e.consent(ctx, a)
}

func (e *Engine) needsReauthentication(req *models.AuthorizationRequest, sess *models.Session) bool {
	if req.HasPrompt("login") {
		return true
	}
	if req.MaxAge >= 0 && e.now().Sub(sess.AuthTime) > time.Duration(req.MaxAge)*time.Second {
		return true
	}
	return false
}

// consent moves Authenticated to Consented, suspending for the consent page when needed
func (e *Engine) consent(ctx context.Context, a *authorization) *Response {
	satisfied, err := e.consentSatisfied(ctx, a)
	if err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	if !satisfied {
		if a.req.HasPrompt("none") {
			return e.rejectAuthorize(ctx, a, a.clientRejection(fosite.ErrConsentRequired.WithHint("The user has not consented to the requested scopes.")))
		}
		if err := a.trace.advance(StateNeedsConsent); err != nil {
			return e.authorizeServerError(ctx, a, err)
		}
		in, err := e.suspend(ctx, a, store.StageConsent)
		if err != nil {
			return e.authorizeServerError(ctx, a, err)
		}
		return e.finishAuthorize(a, redirectResponse(appendQuery(e.endpoint(PathConsent), url.Values{"interaction": {in.ID}})))
	}

	if err := a.trace.advance(StateConsented); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	return e.issueCode(ctx, a)
}

func (e *Engine) consentSatisfied(ctx context.Context, a *authorization) (bool, error) {
	if a.consented {
		return true, nil
	}
	if a.req.HasPrompt("consent") {
		return false, nil
	}
	if !a.client.RequireConsent {
		// First-party clients are trusted
		return true, nil
	}
	c, err := e.Consents.Get(ctx, a.session.SubjectID, a.client.ID)
	if err != nil {
		return false, err
	}
	return c != nil && c.Covers(a.req.GrantedScopes), nil
}

// issueCode moves Consented to GrantIssued and redirects back to the client
func (e *Engine) issueCode(ctx context.Context, a *authorization) *Response {
	now := e.now()
	grant := &models.Grant{
		Kind:                models.GrantKindAuthorizationCode,
		FamilyID:            uuid.NewString(),
		SubjectID:           a.session.SubjectID,
		ClientID:            a.client.ID,
		GrantedScopes:       a.req.GrantedScopes,
		IssuedAt:            now,
		ExpiresAt:           now.Add(e.cfg.CodeTTL),
		RedirectURI:         a.req.RedirectURI,
		CodeChallenge:       a.req.CodeChallenge,
		CodeChallengeMethod: a.req.CodeChallengeMethod,
		Nonce:               a.req.Nonce,
		SessionID:           a.session.ID,
		AuthTime:            a.session.AuthTime,
	}
	code, err := e.Grants.CreateGrant(ctx, grant)
	if err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	if err := a.trace.advance(StateGrantIssued); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	e.Metrics.RecordTokenIssued("authorization_code", string(models.GrantTypeAuthorizationCode))

	if a.interaction != nil {
		if err := e.Interactions.Delete(ctx, a.interaction.ID); err != nil {
			e.Logger.Warnf("⚠️ Failed to delete completed interaction: %v", err)
		}
	}

	params := url.Values{"code": {code}, "iss": {e.cfg.Issuer}}
	if a.req.State != "" {
		params.Set("state", a.req.State)
	}
	if err := a.trace.advance(StateRedirected); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	e.Logger.Printf("✅ Issued authorization code for client %s, subject %s", a.client.ID, a.session.SubjectID)
	return e.finishAuthorize(a, redirectResponse(appendQuery(a.req.RedirectURI, params)))
}

// suspend persists the request so the flow can continue after user interaction
func (e *Engine) suspend(ctx context.Context, a *authorization, stage string) (*models.Interaction, error) {
	sessionID := ""
	if a.session != nil {
		sessionID = a.session.ID
	}
	if a.interaction != nil {
		a.interaction.Stage = stage
		a.interaction.SessionID = sessionID
		if err := e.Interactions.Update(ctx, a.interaction); err != nil {
			return nil, err
		}
		return a.interaction, nil
	}
	if a.binding == "" {
		binding, err := utils.GenerateHandle()
		if err != nil {
			return nil, err
		}
		a.binding = binding
	}
	in, err := e.Interactions.Create(ctx, *a.req, stage, sessionID, a.binding)
	if err != nil {
		return nil, err
	}
	a.interaction = in
	a.setBinding = true
	return in, nil
}

func (a *authorization) clientRejection(err *fosite.RFC6749Error) *rejection {
	return &rejection{err: err, reason: err.ErrorField, redirect: a.req.RedirectURI, state: a.req.State}
}

func (e *Engine) rejectAuthorize(ctx context.Context, a *authorization, rej *rejection) *Response {
	_ = a.trace.advance(StateRejected)

	// A rejected request is finished; its suspended interaction must not be resumable
	if a.interaction != nil {
		if err := e.Interactions.Delete(ctx, a.interaction.ID); err != nil {
			e.Logger.Warnf("⚠️ Failed to delete rejected interaction: %v", err)
		}
	}

	params := url.Values{
		"error":             {rej.err.ErrorField},
		"error_description": {rej.err.GetDescription()},
	}
	var resp *Response
	if rej.redirect == "" {
		// Never redirect to an unverified URI
		resp = redirectResponse(appendQuery(e.endpoint(PathError), params))
	} else {
		if rej.state != "" {
			params.Set("state", rej.state)
		}
		params.Set("iss", e.cfg.Issuer)
		resp = redirectResponse(appendQuery(rej.redirect, params))
	}
	resp.Reason = rej.reason
	e.Logger.Printf("❌ Authorization request rejected: %s (%s)", rej.reason, rej.err.GetDescription())
	return e.finishAuthorize(a, resp)
}

func (e *Engine) authorizeServerError(ctx context.Context, a *authorization, err error) *Response {
	e.Logger.Errorf("❌ Authorization request failed: %v", err)
	rej := &rejection{err: fosite.ErrServerError, reason: fosite.ErrServerError.ErrorField}
	if a.req != nil {
		rej = a.clientRejection(fosite.ErrServerError)
	}
	return e.rejectAuthorize(ctx, a, rej)
}

func (e *Engine) finishAuthorize(a *authorization, resp *Response) *Response {
	resp.State = a.trace.state
	resp.Trail = a.trace.trail
	if a.newSession {
		resp.SetSession = a.sessionToken
		resp.SessionExpires = a.session.ExpiresAt
		resp.ClearSession = false
	}
	if a.setBinding {
		resp.SetBinding = a.binding
		resp.BindingExpires = a.interaction.ExpiresAt
	}
	clientID := "unknown"
	if a.req != nil {
		clientID = a.req.ClientID
	}
	e.Metrics.RecordAuthorizeOutcome(clientID, resp.State.String())
	return resp
}
