package handlers

import (
	"net/http"
	"strings"

	"oidc-server/internal/flows"
)

// UserInfo returns the claims of the token's subject
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.engine.UserInfo(r.Context(), bearerToken(r)))
}

// EndSession logs the browser out
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			params = r.PostForm
		}
	}
	h.write(w, r, h.engine.EndSession(r.Context(), flows.EndSessionRequest{
		Params:       params,
		SessionToken: h.sessionToken(r),
	}))
}

// bearerToken reads the access token from the Authorization header or a form
// body parameter; query strings are not accepted
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			return r.PostForm.Get("access_token")
		}
	}
	return ""
}
