package models

// ScopeKind separates identity scopes (claim sets) from API scopes (audiences)
type ScopeKind string

const (
	ScopeKindIdentity ScopeKind = "identity"
	ScopeKindAPI      ScopeKind = "api"
)

// ScopeOpenID is the scope that turns an OAuth2 request into an OpenID Connect one
const ScopeOpenID = "openid"

// Scope is a registered identity resource or API scope
type Scope struct {
	Name        string    `json:"name" yaml:"name"`
	DisplayName string    `json:"display_name,omitempty" yaml:"display_name"`
	Kind        ScopeKind `json:"kind" yaml:"kind"`
	// Claims released by an identity scope
	Claims []string `json:"claims,omitempty" yaml:"claims"`
	// Audience embedded in access tokens for an API scope; defaults to Name
	Audience string `json:"audience,omitempty" yaml:"audience"`
}

// AudienceValue returns the aud value for an API scope
func (s Scope) AudienceValue() string {
	if s.Audience != "" {
		return s.Audience
	}
	return s.Name
}

// StandardIdentityScopes are the OpenID Connect identity resources with their claim sets
func StandardIdentityScopes() []Scope {
	return []Scope{
		{Name: ScopeOpenID, DisplayName: "Your user identifier", Kind: ScopeKindIdentity, Claims: []string{"sub"}},
		{Name: "profile", DisplayName: "User profile", Kind: ScopeKindIdentity,
			Claims: []string{"name", "family_name", "given_name", "preferred_username", "role"}},
		{Name: "email", DisplayName: "Your email address", Kind: ScopeKindIdentity, Claims: []string{"email", "email_verified"}},
	}
}
