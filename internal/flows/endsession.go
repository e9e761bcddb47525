package flows

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"oidc-server/internal/keys"
	"oidc-server/internal/models"
	"oidc-server/internal/session"
)

// EndSessionRequest is the end-session endpoint input
type EndSessionRequest struct {
	Params       url.Values
	SessionToken string
}

// EndSession logs the user out and optionally redirects to a registered
// post-logout URI of the client named by id_token_hint or client_id
func (e *Engine) EndSession(ctx context.Context, in EndSessionRequest) *Response {
	client := e.logoutClient(in.Params)

	if in.SessionToken != "" {
		sess, err := e.Sessions.EndSession(ctx, in.SessionToken)
		switch {
		case err == nil:
			e.Logger.Printf("👋 Ended session for subject %s", sess.SubjectID)
			if e.cfg.RevokeGrantsOnLogout {
				n, err := e.Grants.RevokeAllForSubject(ctx, sess.SubjectID)
				if err != nil {
					e.Logger.Errorf("❌ Failed to revoke grants on logout: %v", err)
				} else {
					e.Logger.Printf("🧹 Revoked %d grants for subject %s on logout", n, sess.SubjectID)
				}
			}
		case errors.Is(err, session.ErrNoSession):
		default:
			e.Logger.Errorf("❌ Failed to end session: %v", err)
		}
	}

	var resp *Response
	target := in.Params.Get("post_logout_redirect_uri")
	switch {
	case target != "" && client != nil && client.HasPostLogoutRedirectURI(target):
		params := url.Values{}
		if state := in.Params.Get("state"); state != "" {
			params.Set("state", state)
		}
		resp = redirectResponse(appendQuery(target, params))
	default:
		if target != "" {
			e.Logger.Warnf("⚠️ Ignoring unregistered post_logout_redirect_uri %q", target)
		}
		page := &Page{Kind: PageLoggedOut}
		if client != nil {
			page.ClientID = client.ID
			page.ClientName = displayName(client)
		}
		resp = pageResponse(http.StatusOK, page)
	}
	resp.ClearSession = true
	return resp
}

// logoutClient identifies the client from id_token_hint or client_id.
// Expired hints are accepted; the signature and issuer are not optional.
func (e *Engine) logoutClient(p url.Values) *models.Client {
	clientID := p.Get("client_id")

	if hint := p.Get("id_token_hint"); hint != "" {
		claims, err := e.Codec.Verify(hint, keys.Expectations{AllowExpired: true})
		if err != nil {
			e.Logger.Printf("❌ Ignoring invalid id_token_hint: %v", err)
			return nil
		}
		aud, err := claims.GetAudience()
		if err != nil || len(aud) == 0 {
			return nil
		}
		if clientID != "" && !keys.HasAudience(claims, clientID) {
			e.Logger.Printf("❌ client_id %s does not match id_token_hint audience", clientID)
			return nil
		}
		if clientID == "" {
			clientID = aud[0]
		}
	}

	if clientID == "" {
		return nil
	}
	client, err := e.Registry.LookupClient(clientID)
	if err != nil {
		return nil
	}
	return client
}
