package keys

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure kinds
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrBadSignature     = errors.New("bad signature")
	ErrExpiredToken     = errors.New("token expired")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
)

// ErrKeyNotActive is returned when signing is requested with a non-active key
var ErrKeyNotActive = errors.New("key is not the active signing key")

// VerificationError carries the failure kind and the underlying parser error
type VerificationError struct {
	Kind error
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Claims is the JWT claim set exchanged with the codec
type Claims = jwt.MapClaims

// Expectations narrows what Verify accepts
type Expectations struct {
	// Audience must be present in aud when non-empty
	Audience string
	// AllowExpired skips time based checks; used for id_token_hint
	AllowExpired bool
}

// Codec signs and verifies JWTs with the manager's key set
type Codec struct {
	keys   *Manager
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewCodec creates a codec issuing tokens as issuer
func NewCodec(keys *Manager, issuer string, leeway time.Duration) *Codec {
	return &Codec{
		keys:   keys,
		issuer: issuer,
		leeway: leeway,
		now:    keys.now,
	}
}

// Issuer returns the iss value the codec stamps and expects
func (c *Codec) Issuer() string {
	return c.issuer
}

// Keys exposes the underlying key manager
func (c *Codec) Keys() *Manager {
	return c.keys
}

// Sign signs claims with the active key
func (c *Codec) Sign(claims Claims) (string, error) {
	active := c.keys.Active()
	return c.sign(claims, active)
}

// SignWithKey signs claims with the key identified by kid, which must be active
func (c *Codec) SignWithKey(claims Claims, kid string) (string, error) {
	active := c.keys.Active()
	if active.KeyID != kid {
		return "", fmt.Errorf("%w: %s", ErrKeyNotActive, kid)
	}
	return c.sign(claims, active)
}

func (c *Codec) sign(claims Claims, key *SigningKey) (string, error) {
	out := make(jwt.MapClaims, len(claims)+2)
	for k, v := range claims {
		out[k] = v
	}
	if _, ok := out["iss"]; !ok {
		out["iss"] = c.issuer
	}
	if _, ok := out["iat"]; !ok {
		out["iat"] = c.now().Unix()
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm: %s", key.Algorithm)
	}
	token := jwt.NewWithClaims(method, out)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, exp/nbf, iss and aud and returns the claims
func (c *Codec) Verify(raw string, exp Expectations) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{AlgorithmRS256, AlgorithmES256}),
		jwt.WithTimeFunc(c.now),
	}
	if exp.AllowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else {
		opts = append(opts,
			jwt.WithIssuer(c.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(c.leeway),
		)
		if exp.Audience != "" {
			opts = append(opts, jwt.WithAudience(exp.Audience))
		}
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, c.keyFunc)
	if err != nil {
		return nil, classify(err)
	}

	if exp.AllowExpired {
		if iss, _ := claims.GetIssuer(); iss != c.issuer {
			return nil, &VerificationError{Kind: ErrIssuerMismatch}
		}
		if exp.Audience != "" && !HasAudience(claims, exp.Audience) {
			return nil, &VerificationError{Kind: ErrAudienceMismatch}
		}
	}
	return claims, nil
}

func (c *Codec) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKey)
	}
	key, err := c.keys.VerificationKey(kid)
	if err != nil {
		return nil, err
	}
	if token.Method.Alg() != key.Algorithm {
		return nil, fmt.Errorf("algorithm %s does not match key %s", token.Method.Alg(), kid)
	}
	return key.Public(), nil
}

func classify(err error) error {
	var kind error
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		kind = ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		kind = ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		kind = ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		kind = ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		kind = ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		kind = ErrAudienceMismatch
	default:
		kind = ErrMalformedToken
	}
	return &VerificationError{Kind: kind, Err: err}
}

// HasAudience reports whether the aud claim contains aud
func HasAudience(claims Claims, aud string) bool {
	values, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, v := range values {
		if v == aud {
			return true
		}
	}
	return false
}
