package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"oidc-server/internal/flows"
)

// Authorize handles GET and form POST authorization requests
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.write(w, r, h.engine.ErrorPage(errorParams(fosite.ErrInvalidRequest.WithHint("The request body could not be parsed."))))
			return
		}
		params = r.PostForm
	}

	h.logger.Debugf("🔍 Authorization request for client %q", params.Get("client_id"))
	resp := h.engine.Authorize(r.Context(), flows.AuthorizeRequest{
		Params:       params,
		SessionToken: h.sessionToken(r),
		Binding:      h.binding(r),
	})
	h.write(w, r, resp)
}

// LoginPage shows the login form of a suspended request
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.engine.LoginPage(r.Context(), r.URL.Query().Get("interaction"), h.binding(r)))
}

// Login handles the submitted login form
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.write(w, r, h.engine.ErrorPage(errorParams(fosite.ErrInvalidRequest.WithHint("The login form could not be parsed."))))
		return
	}
	h.write(w, r, h.engine.Login(r.Context(), flows.LoginRequest{
		InteractionID: r.PostForm.Get("interaction"),
		Binding:       h.binding(r),
		Username:      r.PostForm.Get("username"),
		Password:      r.PostForm.Get("password"),
		Cancel:        r.PostForm.Get("cancel") == "true",
	}))
}

// ConsentPage shows the consent form of a suspended request
func (h *Handler) ConsentPage(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.engine.ConsentPage(r.Context(), r.URL.Query().Get("interaction"), h.sessionToken(r), h.binding(r)))
}

// Consent handles the submitted consent form
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.write(w, r, h.engine.ErrorPage(errorParams(fosite.ErrInvalidRequest.WithHint("The consent form could not be parsed."))))
		return
	}
	h.write(w, r, h.engine.Consent(r.Context(), flows.ConsentRequest{
		InteractionID: r.PostForm.Get("interaction"),
		Binding:       h.binding(r),
		SessionToken:  h.sessionToken(r),
		Approve:       r.PostForm.Get("decision") == "allow",
		Remember:      r.PostForm.Get("remember") == "true",
	}))
}

// Error renders errors that could not be returned to a client
func (h *Handler) Error(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.engine.ErrorPage(r.URL.Query()))
}
