package flows

import (
	"context"
	"errors"
	"net/http"

	"github.com/ory/fosite"

	"oidc-server/internal/auth"
	"oidc-server/internal/keys"
	"oidc-server/internal/models"
	"oidc-server/internal/storage"
)

// TokenActionRequest is the input of the revocation and introspection endpoints
type TokenActionRequest struct {
	Token         string
	TokenTypeHint string
	Credentials   auth.ClientCredentials
}

// Revoke implements RFC 7009 for refresh tokens. Revoking a refresh token
// revokes every grant of its family. Unknown tokens are not an error.
func (e *Engine) Revoke(ctx context.Context, req TokenActionRequest) *Response {
	client, err := e.authenticateClient(req.Credentials)
	if err != nil {
		return ErrorJSON(err)
	}
	if req.Token == "" {
		return ErrorJSON(fosite.ErrInvalidRequest.WithHint("The 'token' parameter is required."))
	}

	grant, err := e.Grants.GetGrant(ctx, req.Token)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
	case err != nil:
		e.Logger.Errorf("❌ Revocation lookup failed: %v", err)
		return ErrorJSON(fosite.ErrServerError)
	case grant.Kind == models.GrantKindRefreshToken && grant.ClientID == client.ID:
		n, err := e.Grants.RevokeFamily(ctx, grant.FamilyID)
		if err != nil {
			e.Logger.Errorf("❌ Revocation failed: %v", err)
			return ErrorJSON(fosite.ErrServerError)
		}
		e.Logger.Printf("🧹 Revoked %d grants for client %s", n, client.ID)
	}
	return &Response{Status: http.StatusOK}
}

// Introspect implements RFC 7662 for JWT access tokens and refresh tokens
func (e *Engine) Introspect(ctx context.Context, req TokenActionRequest) *Response {
	client, err := e.authenticateClient(req.Credentials)
	if err != nil {
		return ErrorJSON(err)
	}
	if client.IsPublic() {
		return ErrorJSON(fosite.ErrInvalidClient.WithHint("Introspection requires a confidential client."))
	}
	if req.Token == "" {
		return ErrorJSON(fosite.ErrInvalidRequest.WithHint("The 'token' parameter is required."))
	}

	if req.TokenTypeHint != "refresh_token" {
		if claims, err := e.Codec.Verify(req.Token, keys.Expectations{}); err == nil {
			resp := models.IntrospectionResponse{
				Active:    true,
				Scope:     stringClaim(claims, "scope"),
				ClientID:  stringClaim(claims, "client_id"),
				Subject:   stringClaim(claims, "sub"),
				TokenType: "access_token",
				Issuer:    stringClaim(claims, "iss"),
				Audience:  claims["aud"],
			}
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				resp.ExpiresAt = exp.Unix()
			}
			if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
				resp.IssuedAt = iat.Unix()
			}
			// ID tokens are not bearer credentials
			if resp.Scope != "" {
				return jsonResponse(http.StatusOK, resp)
			}
		}
	}

	grant, err := e.Grants.GetGrant(ctx, req.Token)
	if err == nil && grant.Kind == models.GrantKindRefreshToken && !grant.Consumed && grant.ClientID == client.ID {
		return jsonResponse(http.StatusOK, models.IntrospectionResponse{
			Active:    true,
			Scope:     grant.ScopeString(),
			ClientID:  grant.ClientID,
			Subject:   grant.SubjectID,
			TokenType: "refresh_token",
			ExpiresAt: grant.ExpiresAt.Unix(),
			IssuedAt:  grant.IssuedAt.Unix(),
			Issuer:    e.cfg.Issuer,
		})
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrExpired) {
		e.Logger.Errorf("❌ Introspection lookup failed: %v", err)
		return ErrorJSON(fosite.ErrServerError)
	}
	return jsonResponse(http.StatusOK, models.IntrospectionResponse{Active: false})
}
