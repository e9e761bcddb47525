package handlers

import "net/http"

// Discovery serves the OpenID Provider metadata
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.engine.Discovery())
}

// JWKS serves the public signing keys
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.engine.JWKS())
}
