package handlers

import (
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"oidc-server/internal/auth"
	"oidc-server/internal/flows"
)

// Token handles the token endpoint
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}
	form := r.PostForm
	h.write(w, r, h.engine.Token(r.Context(), flows.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		Credentials:  creds,
	}))
}

// Revoke handles token revocation
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}
	h.write(w, r, h.engine.Revoke(r.Context(), flows.TokenActionRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		Credentials:   creds,
	}))
}

// Introspect handles token introspection
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	creds, ok := h.clientCredentials(w, r)
	if !ok {
		return
	}
	h.write(w, r, h.engine.Introspect(r.Context(), flows.TokenActionRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		Credentials:   creds,
	}))
}

// clientCredentials parses the form and extracts client authentication,
// writing an invalid_client response on failure
func (h *Handler) clientCredentials(w http.ResponseWriter, r *http.Request) (auth.ClientCredentials, bool) {
	creds, err := auth.ExtractClientCredentials(r)
	if err != nil {
		h.logger.Printf("❌ Client authentication failed: %v", err)
		h.write(w, r, flows.ErrorJSON(fosite.ErrInvalidClient.WithHint(err.Error())))
		return auth.ClientCredentials{}, false
	}
	return creds, true
}

func errorParams(err *fosite.RFC6749Error) url.Values {
	return url.Values{
		"error":             {err.ErrorField},
		"error_description": {err.GetDescription()},
	}
}
