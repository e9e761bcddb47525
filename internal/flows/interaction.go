package flows

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"oidc-server/internal/auth"
	"oidc-server/internal/models"
	"oidc-server/internal/session"
	"oidc-server/internal/store"
)

// LoginRequest is a submitted login form
type LoginRequest struct {
	InteractionID string
	Binding       string
	Username      string
	Password      string
	Cancel        bool
}

// ConsentRequest is a submitted consent form
type ConsentRequest struct {
	InteractionID string
	Binding       string
	SessionToken  string
	Approve       bool
	Remember      bool
}

// ErrorPage renders the server's own error page for failures that cannot be
// redirected to a client
func (e *Engine) ErrorPage(params url.Values) *Response {
	code := params.Get("error")
	if code == "" {
		code = fosite.ErrInvalidRequest.ErrorField
	}
	return pageResponse(http.StatusBadRequest, &Page{
		Kind:             PageError,
		Error:            code,
		ErrorDescription: params.Get("error_description"),
	})
}

func (e *Engine) interactionExpired() *Response {
	return redirectResponse(appendQuery(e.endpoint(PathError), url.Values{
		"error":             {fosite.ErrInvalidRequest.ErrorField},
		"error_description": {"The sign-in request has expired or is unknown. Please return to the application and try again."},
	}))
}

// loadInteraction returns a live interaction at stage that was started by the
// browser presenting binding
func (e *Engine) loadInteraction(ctx context.Context, id, stage, binding string) (*models.Interaction, *models.Client, error) {
	in, err := e.Interactions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if in.Stage != stage {
		return nil, nil, store.ErrInteractionNotFound
	}
	if binding == "" || subtle.ConstantTimeCompare([]byte(binding), []byte(in.Binding)) != 1 {
		e.securityViolation(ctx, &SecurityViolation{
			Reason:   ViolationInteractionBinding,
			ClientID: in.Request.ClientID,
		})
		return nil, nil, errBindingMismatch
	}
	client, err := e.Registry.LookupClient(in.Request.ClientID)
	if err != nil {
		return nil, nil, store.ErrInteractionNotFound
	}
	return in, client, nil
}

// LoginPage returns the login form for a suspended request
func (e *Engine) LoginPage(ctx context.Context, interactionID, binding string) *Response {
	in, client, err := e.loadInteraction(ctx, interactionID, store.StageLogin, binding)
	if err != nil {
		return e.interactionError(err)
	}
	return pageResponse(http.StatusOK, e.loginPage(in, client, "", ""))
}

func (e *Engine) loginPage(in *models.Interaction, client *models.Client, username, errMsg string) *Page {
	return &Page{
		Kind:          PageLogin,
		InteractionID: in.ID,
		ClientID:      client.ID,
		ClientName:    displayName(client),
		Username:      username,
		Providers:     e.Providers,
		Error:         errMsg,
	}
}

// Login checks local credentials and resumes the suspended request
func (e *Engine) Login(ctx context.Context, in LoginRequest) *Response {
	interaction, client, err := e.loadInteraction(ctx, in.InteractionID, store.StageLogin, in.Binding)
	if err != nil {
		return e.interactionError(err)
	}

	if in.Cancel {
		return e.AbandonLogin(ctx, interaction.ID, in.Binding, "The user cancelled the sign-in.")
	}

	user, err := e.Users.Authenticate(in.Username, in.Password)
	if err != nil {
		e.Logger.Printf("❌ Failed login for %q on client %s", in.Username, client.ID)
		return pageResponse(http.StatusOK, e.loginPage(interaction, client, in.Username, "Invalid username or password."))
	}
	return e.CompleteLogin(ctx, interaction.ID, in.Binding, user.ID, auth.LocalIdP, user.Claims)
}

// CompleteLogin starts a session for an authenticated subject and resumes the
// suspended request. It is used by local and upstream logins.
func (e *Engine) CompleteLogin(ctx context.Context, interactionID, binding, subjectID, idp string, claims map[string][]string) *Response {
	interaction, client, err := e.loadInteraction(ctx, interactionID, store.StageLogin, binding)
	if err != nil {
		return e.interactionError(err)
	}
	a := e.resumed(interaction, client, StateNeedsLogin)

	sess, token, err := e.Sessions.StartSession(ctx, subjectID, idp, claims)
	if err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	if err := e.Profiles.Save(ctx, subjectID, idp, claims); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	e.Metrics.RecordSessionStarted(idp)
	e.Logger.Printf("✅ User %s logged in via %s", subjectID, idp)

	a.session, a.sessionToken, a.newSession = sess, token, true
	a.loggedIn = true
	return e.authenticate(ctx, a)
}

// ConsentPage returns the consent form for a suspended request
func (e *Engine) ConsentPage(ctx context.Context, interactionID, sessionToken, binding string) *Response {
	in, client, err := e.loadInteraction(ctx, interactionID, store.StageConsent, binding)
	if err != nil {
		return e.interactionError(err)
	}
	if _, err := e.interactionSession(ctx, in, sessionToken); err != nil {
		a := e.resumed(in, client, StateNeedsConsent)
		return e.rejectAuthorize(ctx, a, a.clientRejection(fosite.ErrLoginRequired.WithHint("The session ended before consent was given.")))
	}

	page := &Page{
		Kind:          PageConsent,
		InteractionID: in.ID,
		ClientID:      client.ID,
		ClientName:    displayName(client),
	}
	for _, name := range in.Request.GrantedScopes {
		if sc, ok := e.Registry.Scope(name); ok {
			page.Scopes = append(page.Scopes, sc)
		}
	}
	return pageResponse(http.StatusOK, page)
}

// Consent records the user's decision and resumes the suspended request
func (e *Engine) Consent(ctx context.Context, in ConsentRequest) *Response {
	interaction, client, err := e.loadInteraction(ctx, in.InteractionID, store.StageConsent, in.Binding)
	if err != nil {
		return e.interactionError(err)
	}
	a := e.resumed(interaction, client, StateNeedsConsent)

	sess, err := e.interactionSession(ctx, interaction, in.SessionToken)
	if err != nil {
		return e.rejectAuthorize(ctx, a, a.clientRejection(fosite.ErrLoginRequired.WithHint("The session ended before consent was given.")))
	}
	a.session, a.sessionToken = sess, in.SessionToken

	if !in.Approve {
		return e.rejectAuthorize(ctx, a, a.clientRejection(fosite.ErrAccessDenied.WithHint("The user denied the request.")))
	}

	if in.Remember {
		if _, err := e.Consents.Grant(ctx, sess.SubjectID, client.ID, interaction.Request.GrantedScopes); err != nil {
			return e.authorizeServerError(ctx, a, err)
		}
	}
	a.consented = true
	if err := a.trace.advance(StateConsented); err != nil {
		return e.authorizeServerError(ctx, a, err)
	}
	return e.issueCode(ctx, a)
}

// interactionSession returns the session the interaction was suspended under
func (e *Engine) interactionSession(ctx context.Context, in *models.Interaction, token string) (*models.Session, error) {
	sess, err := e.Sessions.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.ID != in.SessionID {
		return nil, session.ErrNoSession
	}
	return sess, nil
}

// resumed rebuilds the flow state of a suspended request
func (e *Engine) resumed(in *models.Interaction, client *models.Client, at State) *authorization {
	req := in.Request
	return &authorization{
		trace:       newTrace(at),
		req:         &req,
		client:      client,
		interaction: in,
		binding:     in.Binding,
	}
}

func (e *Engine) interactionError(err error) *Response {
	if errors.Is(err, store.ErrInteractionNotFound) || errors.Is(err, errBindingMismatch) {
		return e.interactionExpired()
	}
	e.Logger.Errorf("❌ Failed to load interaction: %v", err)
	return ErrorJSON(fosite.ErrServerError)
}

func displayName(c *models.Client) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// PendingLogin returns nil when id names a request waiting for login, or the
// response to send otherwise
func (e *Engine) PendingLogin(ctx context.Context, id, binding string) *Response {
	if _, _, err := e.loadInteraction(ctx, id, store.StageLogin, binding); err != nil {
		return e.interactionError(err)
	}
	return nil
}

// AbandonLogin ends a request waiting for login with access_denied
func (e *Engine) AbandonLogin(ctx context.Context, id, binding, hint string) *Response {
	interaction, client, err := e.loadInteraction(ctx, id, store.StageLogin, binding)
	if err != nil {
		return e.interactionError(err)
	}
	a := e.resumed(interaction, client, StateNeedsLogin)
	return e.rejectAuthorize(ctx, a, a.clientRejection(fosite.ErrAccessDenied.WithHint(hint)))
}
