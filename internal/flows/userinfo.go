package flows

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ory/fosite"

	"oidc-server/internal/keys"
	"oidc-server/internal/models"
	"oidc-server/internal/storage"
	"oidc-server/internal/utils"
)

// UserInfo returns the subject's claims filtered to the granted identity scopes
func (e *Engine) UserInfo(ctx context.Context, accessToken string) *Response {
	if accessToken == "" {
		e.Metrics.RecordUserinfoRequest("missing_token")
		return ErrorJSON(ErrInvalidToken.WithHint("No bearer token was presented."))
	}

	claims, err := e.Codec.Verify(accessToken, keys.Expectations{Audience: e.userinfoAudience()})
	if err != nil {
		e.Logger.Printf("❌ Userinfo token rejected: %v", err)
		e.Metrics.RecordUserinfoRequest("invalid_token")
		return ErrorJSON(ErrInvalidToken)
	}

	scopes := utils.SplitScopes(stringClaim(claims, "scope"))
	if !utils.ContainsString(scopes, models.ScopeOpenID) {
		e.Metrics.RecordUserinfoRequest("insufficient_scope")
		return ErrorJSON(ErrInsufficientScope)
	}

	subject := stringClaim(claims, "sub")
	out := map[string]any{"sub": subject}

	profile, err := e.Profiles.Get(ctx, subject)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Subject without a stored profile still gets sub
	case err != nil:
		e.Logger.Errorf("❌ Failed to load profile for %s: %v", subject, err)
		e.Metrics.RecordUserinfoRequest("error")
		return ErrorJSON(fosite.ErrServerError)
	default:
		allowed := e.Registry.IdentityClaims(scopes)
		for name, values := range profile.Claims {
			if name == "sub" {
				continue
			}
			if _, ok := allowed[name]; ok && len(values) > 0 {
				out[name] = claimValue(name, values)
			}
		}
	}

	e.Metrics.RecordUserinfoRequest("success")
	return jsonResponse(http.StatusOK, out)
}

func claimValue(name string, values []string) any {
	if strings.HasSuffix(name, "_verified") && len(values) == 1 {
		return values[0] == "true"
	}
	if len(values) == 1 && name != "role" {
		return values[0]
	}
	return values
}

func stringClaim(claims keys.Claims, name string) string {
	v, _ := claims[name].(string)
	return v
}
