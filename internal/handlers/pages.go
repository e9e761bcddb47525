package handlers

import (
	"bytes"
	"html/template"
	"net/http"

	"oidc-server/internal/flows"
	"oidc-server/internal/utils"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "login"}}
<h2>Sign in</h2>
<p>Sign in to continue to <strong>{{.ClientName}}</strong>.</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="{{.LoginPath}}">
    <input type="hidden" name="interaction" value="{{.InteractionID}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password">
    <button type="submit">Sign in</button>
    <button type="submit" name="cancel" value="true">Cancel</button>
</form>
{{if .Providers}}
<p>Or sign in with</p>
<ul>
{{range .Providers}}<li><a href="{{$.UpstreamPath}}{{.Name}}?interaction={{$.InteractionID}}">{{.DisplayName}}</a></li>
{{end}}</ul>
{{end}}
{{end}}

{{define "consent"}}
<h2>{{.ClientName}} is requesting access</h2>
<ul>
{{range .Scopes}}<li>{{if .DisplayName}}{{.DisplayName}}{{else}}{{.Name}}{{end}}</li>
{{end}}</ul>
<form method="post" action="{{.ConsentPath}}">
    <input type="hidden" name="interaction" value="{{.InteractionID}}">
    <label><input type="checkbox" name="remember" value="true"> Remember my decision</label>
    <button type="submit" name="decision" value="allow">Allow</button>
    <button type="submit" name="decision" value="deny">Deny</button>
</form>
{{end}}

{{define "error"}}
<h2 class="error">Something went wrong</h2>
<p><strong>{{.Error}}</strong></p>
{{if .ErrorDescription}}<p>{{.ErrorDescription}}</p>{{end}}
{{end}}

{{define "logged_out"}}
<h2 class="success">You are signed out</h2>
{{if .ClientName}}<p>You have been signed out of {{.ClientName}}.</p>{{end}}
{{end}}
`))

var pageTitles = map[string]string{
	flows.PageLogin:     "Sign in",
	flows.PageConsent:   "Consent",
	flows.PageError:     "Error",
	flows.PageLoggedOut: "Signed out",
}

type pageData struct {
	*flows.Page
	LoginPath    string
	ConsentPath  string
	UpstreamPath string
}

func (h *Handler) renderPage(w http.ResponseWriter, status int, page *flows.Page) {
	var buf bytes.Buffer
	data := pageData{
		Page:         page,
		LoginPath:    flows.PathLogin,
		ConsentPath:  flows.PathConsent,
		UpstreamPath: flows.PathUpstreamLogin,
	}
	if err := pages.ExecuteTemplate(&buf, page.Kind, data); err != nil {
		h.logger.Errorf("❌ Failed to render %s page: %v", page.Kind, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Frame-Options", "DENY")
	utils.WriteHTMLResponse(w, status, pageTitles[page.Kind], template.HTML(buf.String())) // #nosec G203 -- rendered by html/template
}
