package flows

import (
	"net/http"
	"sort"

	"oidc-server/internal/auth"
	"oidc-server/internal/models"
)

// DiscoveryDocument is the OpenID Provider metadata
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported             []string `json:"prompt_values_supported"`
	RequestParameterSupported         bool     `json:"request_parameter_supported"`
	AuthorizationResponseIssParameter bool     `json:"authorization_response_iss_parameter_supported"`
}

// Discovery returns the provider metadata document
func (e *Engine) Discovery() *Response {
	doc := DiscoveryDocument{
		Issuer:                e.cfg.Issuer,
		AuthorizationEndpoint: e.endpoint(PathAuthorize),
		TokenEndpoint:         e.endpoint(PathToken),
		UserInfoEndpoint:      e.endpoint(PathUserInfo),
		EndSessionEndpoint:    e.endpoint(PathEndSession),
		RevocationEndpoint:    e.endpoint(PathRevocation),
		IntrospectionEndpoint: e.endpoint(PathIntrospection),
		JWKSURI:               e.endpoint(PathJWKS),
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported: []string{
			string(models.GrantTypeAuthorizationCode),
			string(models.GrantTypeClientCredentials),
			string(models.GrantTypeRefreshToken),
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  e.Codec.Keys().Algorithms(),
		TokenEndpointAuthMethodsSupported: []string{auth.MethodBasic, auth.MethodPost, auth.MethodNone},
		CodeChallengeMethodsSupported:     []string{"S256"},
		PromptValuesSupported:             []string{"none", "login", "consent"},
		AuthorizationResponseIssParameter: true,
	}

	claims := map[string]struct{}{"sub": {}, "iss": {}, "aud": {}, "exp": {}, "iat": {}, "auth_time": {}, "nonce": {}, "sid": {}}
	for _, sc := range e.Registry.Scopes() {
		doc.ScopesSupported = append(doc.ScopesSupported, sc.Name)
		for _, c := range sc.Claims {
			claims[c] = struct{}{}
		}
	}
	for c := range claims {
		doc.ClaimsSupported = append(doc.ClaimsSupported, c)
	}
	sort.Strings(doc.ClaimsSupported)

	resp := jsonResponse(http.StatusOK, doc)
	resp.Headers = map[string]string{"Cache-Control": "public, max-age=300"}
	return resp
}

// JWKS returns the public keys of the active and retained signing keys
func (e *Engine) JWKS() *Response {
	resp := jsonResponse(http.StatusOK, e.Codec.Keys().PublicJWKS())
	resp.Headers = map[string]string{"Cache-Control": "public, max-age=300"}
	return resp
}
