package flows

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/ory/fosite"
	"golang.org/x/oauth2"

	"oidc-server/internal/auth"
	"oidc-server/internal/models"
	"oidc-server/internal/registry"
	"oidc-server/internal/storage"
	"oidc-server/internal/utils"
)

// TokenRequest is the token endpoint input
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Credentials  auth.ClientCredentials
}

// Token handles the token endpoint. Each call is a single attempt; a failed
// redemption is terminal for the code or refresh token involved.
func (e *Engine) Token(ctx context.Context, req TokenRequest) *Response {
	var resp *Response
	var err error

	switch models.GrantType(req.GrantType) {
	case models.GrantTypeAuthorizationCode:
		resp, err = e.exchangeCode(ctx, req)
	case models.GrantTypeRefreshToken:
		resp, err = e.refresh(ctx, req)
	case models.GrantTypeClientCredentials:
		resp, err = e.clientCredentials(ctx, req)
	case "":
		err = fosite.ErrInvalidRequest.WithHint("The 'grant_type' parameter is required.")
	default:
		err = fosite.ErrUnsupportedGrantType.WithHintf("The grant type '%s' is not supported.", req.GrantType)
	}

	if err != nil {
		rfcErr := fosite.ErrorToRFC6749Error(err)
		if rfcErr.StatusCode() >= http.StatusInternalServerError {
			e.Logger.Errorf("❌ Token request failed: %v", err)
		} else {
			e.Logger.Printf("❌ Token request rejected (%s): %s", req.GrantType, rfcErr.GetDescription())
		}
		e.Metrics.RecordTokenRequest(req.GrantType, rfcErr.ErrorField)
		return ErrorJSON(rfcErr)
	}
	e.Metrics.RecordTokenRequest(req.GrantType, "success")
	return resp
}

// authenticateClient verifies the presented client credentials. Public
// clients identify themselves by client_id and must not send a secret.
func (e *Engine) authenticateClient(creds auth.ClientCredentials) (*models.Client, error) {
	if creds.ClientID == "" {
		return nil, fosite.ErrInvalidClient.WithHint("Client authentication is required.")
	}
	client, err := e.Registry.LookupClient(creds.ClientID)
	if err != nil {
		return nil, fosite.ErrInvalidClient.WithHint("Client authentication failed.")
	}
	if client.IsPublic() {
		if creds.ClientSecret != "" {
			return nil, fosite.ErrInvalidClient.WithHint("Public clients must not send a client secret.")
		}
		return client, nil
	}
	client, err = e.Registry.AuthenticateClient(creds.ClientID, creds.ClientSecret)
	if errors.Is(err, registry.ErrInvalidClientAuth) {
		return nil, fosite.ErrInvalidClient.WithHint("Client authentication failed.")
	}
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}
	return client, nil
}

func (e *Engine) exchangeCode(ctx context.Context, req TokenRequest) (*Response, error) {
	client, err := e.authenticateClient(req.Credentials)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(models.GrantTypeAuthorizationCode) {
		return nil, fosite.ErrUnauthorizedClient.WithHint("The client is not allowed to use the authorization code grant.")
	}
	if req.Code == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'code' parameter is required.")
	}

	// Kind and client binding are immutable, so checking them before
	// redemption keeps a misdirected submission from burning the grant
	peek, err := e.Grants.GetGrant(ctx, req.Code)
	if err != nil {
		return nil, e.redeemError(models.GrantKindAuthorizationCode, err)
	}
	if peek.Kind != models.GrantKindAuthorizationCode {
		e.Metrics.RecordRedeemFailure(string(models.GrantKindAuthorizationCode), "wrong_kind")
		return nil, invalidGrant()
	}
	if peek.ClientID != client.ID {
		e.Logger.WithField("client_id", client.ID).Warn("⚠️ Authorization code presented by a different client")
		e.Metrics.RecordRedeemFailure(string(models.GrantKindAuthorizationCode), "client_mismatch")
		return nil, invalidGrant()
	}

	grant, err := e.Grants.RedeemGrant(ctx, req.Code)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		e.securityViolation(ctx, &SecurityViolation{
			Reason:   ViolationCodeReplay,
			ClientID: client.ID,
			Subject:  grant.SubjectID,
			FamilyID: grant.FamilyID,
		})
		e.Metrics.RecordRedeemFailure(string(models.GrantKindAuthorizationCode), "consumed")
		return nil, invalidGrant()
	}
	if err != nil {
		return nil, e.redeemError(models.GrantKindAuthorizationCode, err)
	}

	// The code is consumed from here on; every failure below is terminal for it
	if req.RedirectURI != grant.RedirectURI {
		e.securityViolation(ctx, &SecurityViolation{
			Reason:   ViolationRedirectMismatch,
			ClientID: client.ID,
			Subject:  grant.SubjectID,
			FamilyID: grant.FamilyID,
		})
		return nil, invalidGrant()
	}
	if err := verifyPKCE(grant, req.CodeVerifier); err != nil {
		e.securityViolation(ctx, &SecurityViolation{
			Reason:   ViolationPKCEMismatch,
			ClientID: client.ID,
			Subject:  grant.SubjectID,
			FamilyID: grant.FamilyID,
		})
		return nil, err
	}

	tokens, err := e.issueTokens(ctx, client, grant, models.GrantTypeAuthorizationCode)
	if err != nil {
		return nil, err
	}
	e.Logger.Printf("✅ Exchanged authorization code for client %s, subject %s", client.ID, grant.SubjectID)
	return jsonResponse(http.StatusOK, tokens), nil
}

func verifyPKCE(grant *models.Grant, verifier string) error {
	if grant.CodeChallenge == "" {
		if verifier != "" {
			return invalidGrant().WithDebug("code_verifier sent for a code issued without a challenge")
		}
		return nil
	}
	if verifier == "" {
		return invalidGrant().WithDebug("missing code_verifier")
	}
	if !pkceChallengePattern.MatchString(verifier) {
		return invalidGrant().WithDebug("malformed code_verifier")
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(grant.CodeChallenge)) != 1 {
		return invalidGrant().WithDebug("code_verifier does not match code_challenge")
	}
	return nil
}

func (e *Engine) refresh(ctx context.Context, req TokenRequest) (*Response, error) {
	client, err := e.authenticateClient(req.Credentials)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(models.GrantTypeRefreshToken) {
		return nil, fosite.ErrUnauthorizedClient.WithHint("The client is not allowed to use the refresh token grant.")
	}
	if req.RefreshToken == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'refresh_token' parameter is required.")
	}

	peek, err := e.Grants.GetGrant(ctx, req.RefreshToken)
	if err != nil {
		return nil, e.redeemError(models.GrantKindRefreshToken, err)
	}
	if peek.Kind != models.GrantKindRefreshToken || peek.ClientID != client.ID {
		e.Metrics.RecordRedeemFailure(string(models.GrantKindRefreshToken), "binding_mismatch")
		return nil, invalidGrant()
	}

	// Downscoping must be decided before the token is consumed
	scopes := peek.GrantedScopes
	if req.Scope != "" {
		requested := utils.SplitScopes(req.Scope)
		for _, s := range requested {
			if !utils.ContainsString(peek.GrantedScopes, s) {
				return nil, fosite.ErrInvalidScope.WithHintf("The scope '%s' was not part of the original grant.", s)
			}
		}
		scopes = make([]string, 0, len(requested))
		for _, s := range peek.GrantedScopes {
			if utils.ContainsString(requested, s) {
				scopes = append(scopes, s)
			}
		}
	}

	grant, err := e.Grants.RedeemGrant(ctx, req.RefreshToken)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		e.securityViolation(ctx, &SecurityViolation{
			Reason:   ViolationRefreshReplay,
			ClientID: client.ID,
			Subject:  grant.SubjectID,
			FamilyID: grant.FamilyID,
		})
		e.Metrics.RecordRedeemFailure(string(models.GrantKindRefreshToken), "consumed")
		return nil, invalidGrant()
	}
	if err != nil {
		return nil, e.redeemError(models.GrantKindRefreshToken, err)
	}

	grant.GrantedScopes = scopes
	tokens, err := e.issueTokens(ctx, client, grant, models.GrantTypeRefreshToken)
	if err != nil {
		return nil, err
	}
	e.Logger.Printf("🔄 Refreshed tokens for client %s, subject %s", client.ID, grant.SubjectID)
	return jsonResponse(http.StatusOK, tokens), nil
}

func (e *Engine) clientCredentials(_ context.Context, req TokenRequest) (*Response, error) {
	client, err := e.authenticateClient(req.Credentials)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, fosite.ErrInvalidClient.WithHint("The client_credentials grant requires a confidential client.")
	}
	if !client.AllowsGrant(models.GrantTypeClientCredentials) {
		return nil, fosite.ErrUnauthorizedClient.WithHint("The client is not allowed to use the client credentials grant.")
	}

	var scopes []string
	if req.Scope == "" {
		scopes = e.Registry.AllowedAPIScopes(client)
		if len(scopes) == 0 {
			return nil, fosite.ErrInvalidScope.WithHint("The client has no API scopes.")
		}
	} else {
		scopes, err = e.Registry.ValidateScopes(client, utils.SplitScopes(req.Scope))
		if err != nil {
			return nil, fosite.ErrInvalidScope.WithHint(err.Error())
		}
		for _, name := range scopes {
			if sc, ok := e.Registry.Scope(name); ok && sc.Kind != models.ScopeKindAPI {
				return nil, fosite.ErrInvalidScope.WithHintf("The identity scope '%s' cannot be used without a user.", name)
			}
		}
	}

	accessToken, ttl, err := e.mintAccessToken(client, client.ID, scopes, nil)
	if err != nil {
		return nil, fosite.ErrServerError.WithWrap(err)
	}
	e.Metrics.RecordTokenIssued("access_token", string(models.GrantTypeClientCredentials))
	e.Logger.Printf("✅ Issued client credentials token for %s", client.ID)

	return jsonResponse(http.StatusOK, models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		Scope:       utils.JoinScopes(scopes),
	}), nil
}

// redeemError maps storage failures to invalid_grant without revealing which one occurred
func (e *Engine) redeemError(kind models.GrantKind, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.Metrics.RecordRedeemFailure(string(kind), "not_found")
		return invalidGrant()
	case errors.Is(err, storage.ErrExpired):
		e.Metrics.RecordRedeemFailure(string(kind), "expired")
		return invalidGrant()
	default:
		return fosite.ErrServerError.WithWrap(err)
	}
}
