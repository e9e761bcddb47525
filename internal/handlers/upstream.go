package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"oidc-server/internal/store"
	"oidc-server/internal/upstream"
	"oidc-server/internal/utils"
)

// UpstreamLogin starts a login at an upstream provider for a suspended request
func (h *Handler) UpstreamLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	interactionID := r.URL.Query().Get("interaction")

	if h.bridge == nil {
		utils.WriteTextResponse(w, http.StatusNotFound, "unknown identity provider\n")
		return
	}
	if resp := h.engine.PendingLogin(r.Context(), interactionID, h.binding(r)); resp != nil {
		h.write(w, r, resp)
		return
	}

	authURL, err := h.bridge.Begin(r.Context(), provider, interactionID)
	switch {
	case errors.Is(err, upstream.ErrUnknownProvider):
		utils.WriteTextResponse(w, http.StatusNotFound, "unknown identity provider\n")
		return
	case err != nil:
		h.logger.Errorf("❌ Failed to start upstream login via %s: %v", provider, err)
		h.write(w, r, h.engine.ErrorPage(errorParams(fosite.ErrTemporarilyUnavailable.WithHint("The identity provider is currently unavailable."))))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// UpstreamCallback completes an upstream login and resumes the suspended request
func (h *Handler) UpstreamCallback(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		utils.WriteTextResponse(w, http.StatusNotFound, "unknown identity provider\n")
		return
	}
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		st, err := h.bridge.Abandon(r.Context(), q.Get("state"))
		if err != nil {
			h.write(w, r, h.engine.ErrorPage(errorParams(fosite.ErrInvalidRequest.WithHint("Unknown or expired sign-in state."))))
			return
		}
		h.logger.Printf("❌ Upstream %s returned %s", provider, upstreamErr)
		h.write(w, r, h.engine.AbandonLogin(r.Context(), st.InteractionID, h.binding(r), "The identity provider did not authenticate the user."))
		return
	}

	identity, interactionID, err := h.bridge.Complete(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.logger.Errorf("❌ Upstream login via %s failed: %v", provider, err)
		if errors.Is(err, store.ErrUnknownState) || interactionID == "" {
			h.write(w, r, h.engine.ErrorPage(errorParams(fosite.ErrInvalidRequest.WithHint("Unknown or expired sign-in state."))))
			return
		}
		h.write(w, r, h.engine.AbandonLogin(r.Context(), interactionID, h.binding(r), "The identity provider response could not be verified."))
		return
	}

	h.write(w, r, h.engine.CompleteLogin(r.Context(), interactionID, h.binding(r), identity.Subject, identity.Provider, identity.Claims))
}
