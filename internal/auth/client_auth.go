package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Client authentication methods
const (
	MethodBasic = "client_secret_basic"
	MethodPost  = "client_secret_post"
	MethodNone  = "none"
)

// ClientCredentials are the client_id/secret presented on a back-channel request
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	Method       string
}

// ExtractClientCredentials extracts client credentials from request
func ExtractClientCredentials(r *http.Request) (ClientCredentials, error) {
	if err := r.ParseForm(); err != nil {
		return ClientCredentials{}, errors.New("failed to parse form")
	}
	formID := r.PostForm.Get("client_id")

	// Check for Basic Authentication in Authorization header
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Basic") {
			payload, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				return ClientCredentials{}, errors.New("invalid basic auth encoding")
			}

			// Split username:password
			creds := strings.SplitN(string(payload), ":", 2)
			if len(creds) != 2 {
				return ClientCredentials{}, errors.New("invalid basic auth format")
			}

			// Both halves are form-urlencoded (RFC 6749 section 2.3.1)
			id, err := url.QueryUnescape(creds[0])
			if err != nil {
				return ClientCredentials{}, errors.New("invalid basic auth client_id")
			}
			secret, err := url.QueryUnescape(creds[1])
			if err != nil {
				return ClientCredentials{}, errors.New("invalid basic auth client_secret")
			}
			if formID != "" && formID != id {
				return ClientCredentials{}, errors.New("client_id in body does not match basic auth")
			}
			return ClientCredentials{ClientID: id, ClientSecret: secret, Method: MethodBasic}, nil
		}
	}

	if formID == "" {
		return ClientCredentials{}, errors.New("client_id is required")
	}

	secret := r.PostForm.Get("client_secret")
	method := MethodPost
	if secret == "" {
		// Public clients identify themselves without a secret
		method = MethodNone
	}
	return ClientCredentials{ClientID: formID, ClientSecret: secret, Method: method}, nil
}
