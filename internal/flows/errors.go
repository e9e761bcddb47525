package flows

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ory/fosite"
)

// Rejection reasons reported on authorize responses
const (
	ReasonInvalidRedirectURI = "invalid_redirect_uri"
)

// ErrInvalidToken is the bearer token error of RFC 6750
var ErrInvalidToken = &fosite.RFC6749Error{
	ErrorField:       "invalid_token",
	DescriptionField: "The access token is missing, expired, revoked or otherwise invalid.",
	CodeField:        http.StatusUnauthorized,
}

// ErrInsufficientScope is returned when a valid token lacks the openid scope
var ErrInsufficientScope = &fosite.RFC6749Error{
	ErrorField:       "insufficient_scope",
	DescriptionField: "The access token does not carry the scope required by this resource.",
	CodeField:        http.StatusForbidden,
}

// invalidGrant is the single description used for every unusable code or
// refresh token so callers cannot tell unknown, expired and consumed apart
func invalidGrant() *fosite.RFC6749Error {
	return fosite.ErrInvalidGrant.WithHint("The provided authorization grant is invalid, expired, revoked or was issued to another client.")
}

// SecurityViolation describes a detected attack such as a replayed code
type SecurityViolation struct {
	Reason   string
	ClientID string
	Subject  string
	FamilyID string
}

func (v *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation: %s (client=%s subject=%s)", v.Reason, v.ClientID, v.Subject)
}

// Security violation reasons
const (
	ViolationCodeReplay          = "code_replay"
	ViolationRefreshReplay       = "refresh_token_replay"
	ViolationRedirectMismatch    = "redirect_uri_mismatch"
	ViolationPKCEMismatch        = "pkce_verification_failed"
	ViolationGrantClientMismatch = "grant_client_mismatch"
	ViolationInteractionBinding  = "interaction_binding_mismatch"
)

// errBindingMismatch is returned when an interaction is resumed from a browser that did not start it
var errBindingMismatch = errors.New("interaction resumed by another browser")
