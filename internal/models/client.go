package models

import (
	"errors"
	"fmt"
	"time"
)

// GrantType names an OAuth2 grant a client may use
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeImplicit          GrantType = "implicit"
)

// Client is a registered relying party
type Client struct {
	ID                     string        `json:"client_id" yaml:"id"`
	Name                   string        `json:"client_name,omitempty" yaml:"name"`
	SecretHash             []byte        `json:"client_secret_hash,omitempty" yaml:"-"`
	AllowedGrantTypes      []GrantType   `json:"grant_types" yaml:"grant_types"`
	RedirectURIs           []string      `json:"redirect_uris,omitempty" yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string      `json:"post_logout_redirect_uris,omitempty" yaml:"post_logout_redirect_uris"`
	AllowedScopes          []string      `json:"allowed_scopes" yaml:"allowed_scopes"`
	AllowedCORSOrigins     []string      `json:"allowed_cors_origins,omitempty" yaml:"allowed_cors_origins"`
	RequirePKCE            bool          `json:"require_pkce" yaml:"require_pkce"`
	RequireConsent         bool          `json:"require_consent" yaml:"require_consent"`
	AccessTokenLifetime    time.Duration `json:"access_token_lifetime,omitempty" yaml:"access_token_lifetime"`
}

// IsPublic reports whether the client has no secret and therefore cannot authenticate
func (c *Client) IsPublic() bool {
	return len(c.SecretHash) == 0
}

// AllowsGrant reports whether gt is enabled for the client
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, g := range c.AllowedGrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// HasRedirectURI reports an exact string match against the registered redirect URIs.
// No prefix, wildcard or normalization is applied.
func (c *Client) HasRedirectURI(uri string) bool {
	return containsExact(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports an exact string match against the registered post-logout URIs
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return containsExact(c.PostLogoutRedirectURIs, uri)
}

// AllowsOrigin reports whether origin is one of the client's CORS origins
func (c *Client) AllowsOrigin(origin string) bool {
	return containsExact(c.AllowedCORSOrigins, origin)
}

// Validate checks that every enabled grant type has the fields it needs
func (c *Client) Validate() error {
	if c.ID == "" {
		return errors.New("client_id is required")
	}
	if len(c.AllowedGrantTypes) == 0 {
		return fmt.Errorf("client %s: at least one grant type is required", c.ID)
	}
	for _, gt := range c.AllowedGrantTypes {
		switch gt {
		case GrantTypeAuthorizationCode:
			if len(c.RedirectURIs) == 0 {
				return fmt.Errorf("client %s: redirect URIs required for authorization_code grant", c.ID)
			}
		case GrantTypeClientCredentials:
			if c.IsPublic() {
				return fmt.Errorf("client %s: client_credentials grant requires a client secret", c.ID)
			}
		case GrantTypeRefreshToken:
			if !c.AllowsGrant(GrantTypeAuthorizationCode) {
				return fmt.Errorf("client %s: refresh_token grant requires authorization_code", c.ID)
			}
		case GrantTypeImplicit:
			return fmt.Errorf("client %s: implicit grant is not supported, use authorization_code with PKCE", c.ID)
		default:
			return fmt.Errorf("client %s: unknown grant type %q", c.ID, gt)
		}
	}
	return nil
}

func containsExact(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
