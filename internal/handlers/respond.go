package handlers

import (
	"encoding/json"
	"net/http"

	"oidc-server/internal/flows"
	"oidc-server/internal/utils"
)

// write renders an engine response: cookies first, then the redirect, page or JSON body
func (h *Handler) write(w http.ResponseWriter, r *http.Request, resp *flows.Response) {
	if resp.ClearSession {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookies.Name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if resp.SetSession != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookies.Name,
			Value:    resp.SetSession,
			Path:     "/",
			Expires:  resp.SessionExpires,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if resp.SetBinding != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     h.cookies.BindingName,
			Value:    resp.SetBinding,
			Path:     "/",
			Expires:  resp.BindingExpires,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	switch {
	case resp.Location != "":
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, resp.Location, http.StatusFound)
	case resp.Page != nil:
		h.renderPage(w, resp.Status, resp.Page)
	case resp.Body != nil:
		if _, cacheable := resp.Headers["Cache-Control"]; cacheable {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.Status)
			if err := json.NewEncoder(w).Encode(resp.Body); err != nil {
				h.logger.Errorf("❌ Error encoding JSON response: %v", err)
			}
			return
		}
		utils.WriteJSONResponse(w, resp.Status, resp.Body, h.logger)
	default:
		w.WriteHeader(resp.Status)
	}
}
