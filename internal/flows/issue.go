package flows

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"oidc-server/internal/keys"
	"oidc-server/internal/models"
	"oidc-server/internal/utils"
)

// issueTokens mints access, ID and refresh tokens for a redeemed user grant
func (e *Engine) issueTokens(ctx context.Context, client *models.Client, grant *models.Grant, via models.GrantType) (*models.TokenResponse, error) {
	accessToken, ttl, err := e.mintAccessToken(client, grant.SubjectID, grant.GrantedScopes, grant)
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}
	resp := &models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		Scope:       grant.ScopeString(),
	}
	e.Metrics.RecordTokenIssued("access_token", string(via))

	if utils.ContainsString(grant.GrantedScopes, models.ScopeOpenID) {
		idToken, err := e.mintIDToken(client, grant, accessToken, via)
		if err != nil {
			return nil, fosite.ErrServerError.WithWrap(err)
		}
		resp.IDToken = idToken
		e.Metrics.RecordTokenIssued("id_token", string(via))
	}

	if client.AllowsGrant(models.GrantTypeRefreshToken) {
		now := e.now()
		successor := &models.Grant{
			Kind:          models.GrantKindRefreshToken,
			FamilyID:      grant.FamilyID,
			SubjectID:     grant.SubjectID,
			ClientID:      client.ID,
			GrantedScopes: grant.GrantedScopes,
			IssuedAt:      now,
			ExpiresAt:     now.Add(e.cfg.RefreshTokenTTL),
			SessionID:     grant.SessionID,
			AuthTime:      grant.AuthTime,
		}
		handle, err := e.Grants.CreateGrant(ctx, successor)
		if err != nil {
			return nil, fosite.ErrServerError.WithWrap(err)
		}
		resp.RefreshToken = handle
		e.Metrics.RecordTokenIssued("refresh_token", string(via))
	}
	return resp, nil
}

// mintAccessToken signs a JWT access token. grant is nil for client credentials.
func (e *Engine) mintAccessToken(client *models.Client, subject string, scopes []string, grant *models.Grant) (string, time.Duration, error) {
	ttl := e.cfg.AccessTokenTTL
	if client.AccessTokenLifetime > 0 {
		ttl = client.AccessTokenLifetime
	}
	now := e.now()

	aud := e.Registry.Audiences(scopes)
	if utils.ContainsString(scopes, models.ScopeOpenID) {
		aud = append(aud, e.userinfoAudience())
	}
	if len(aud) == 0 {
		aud = []string{e.resourcesAudience()}
	}

	claims := keys.Claims{
		"sub":       subject,
		"aud":       aud,
		"client_id": client.ID,
		"scope":     utils.JoinScopes(scopes),
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if grant != nil {
		if !grant.AuthTime.IsZero() {
			claims["auth_time"] = grant.AuthTime.Unix()
		}
		if grant.SessionID != "" {
			claims["sid"] = grant.SessionID
		}
	}

	token, err := e.Codec.Sign(claims)
	if err != nil {
		return "", 0, err
	}
	return token, ttl, nil
}

// mintIDToken signs the OpenID Connect ID token
func (e *Engine) mintIDToken(client *models.Client, grant *models.Grant, accessToken string, via models.GrantType) (string, error) {
	now := e.now()
	claims := keys.Claims{
		"sub":     grant.SubjectID,
		"aud":     client.ID,
		"iat":     now.Unix(),
		"exp":     now.Add(e.cfg.IDTokenTTL).Unix(),
		"at_hash": halfHash(accessToken),
	}
	if !grant.AuthTime.IsZero() {
		claims["auth_time"] = grant.AuthTime.Unix()
	}
	if grant.SessionID != "" {
		claims["sid"] = grant.SessionID
	}
	// The nonce belongs to the authentication response only
	if grant.Nonce != "" && via == models.GrantTypeAuthorizationCode {
		claims["nonce"] = grant.Nonce
	}
	return e.Codec.Sign(claims)
}

// halfHash is the at_hash value for the SHA-256 based algorithms RS256 and ES256
func halfHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
