package flows

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ory/fosite"

	"oidc-server/internal/models"
)

// Page kinds rendered by the HTTP layer
const (
	PageLogin     = "login"
	PageConsent   = "consent"
	PageError     = "error"
	PageLoggedOut = "logged_out"
)

// Page is an interactive HTML page the HTTP layer renders
type Page struct {
	Kind             string
	InteractionID    string
	ClientID         string
	ClientName       string
	Username         string
	Scopes           []models.Scope
	Providers        []Provider
	Error            string
	ErrorDescription string
}

// Response is the framework-neutral result of an endpoint call
type Response struct {
	Status   int
	Location string
	Body     any
	Page     *Page
	Headers  map[string]string

	// SetSession carries a new session token for the browser cookie
	SetSession     string
	SessionExpires time.Time
	ClearSession   bool

	// SetBinding carries the browser binding of a newly suspended interaction
	SetBinding     string
	BindingExpires time.Time

	// Authorize flow outcome
	State  State
	Trail  []State
	Reason string
}

func redirectResponse(location string) *Response {
	return &Response{Status: http.StatusFound, Location: location}
}

func jsonResponse(status int, body any) *Response {
	return &Response{Status: status, Body: body}
}

func pageResponse(status int, page *Page) *Response {
	return &Response{Status: status, Page: page}
}

// ErrorJSON converts any error into an OAuth2 JSON error response
func ErrorJSON(err error) *Response {
	rfcErr := fosite.ErrorToRFC6749Error(err)
	resp := jsonResponse(rfcErr.StatusCode(), models.ErrorResponse{
		Error:            rfcErr.ErrorField,
		ErrorDescription: rfcErr.GetDescription(),
	})
	switch rfcErr.ErrorField {
	case fosite.ErrInvalidClient.ErrorField:
		resp.Headers = map[string]string{"WWW-Authenticate": `Basic realm="token"`}
	case ErrInvalidToken.ErrorField, ErrInsufficientScope.ErrorField:
		resp.Headers = map[string]string{
			"WWW-Authenticate": `Bearer error="` + rfcErr.ErrorField + `", error_description="` + rfcErr.GetDescription() + `"`,
		}
	}
	return resp
}

// appendQuery adds params to uri, keeping any query the registered URI already has
func appendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
