package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// HandleBytes is the entropy of every opaque handle the server mints (256 bits)
const HandleBytes = 32

// GenerateRandomBytes generates cryptographically secure random bytes
func GenerateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return bytes, nil
}

// GenerateHandle returns an unguessable base64url handle for codes, refresh tokens and interactions
func GenerateHandle() (string, error) {
	bytes, err := GenerateRandomBytes(HandleBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateState generates a state parameter for upstream OAuth2 flows
func GenerateState() (string, error) {
	return GenerateHandle()
}

// GenerateNonce generates a nonce for OpenID Connect
func GenerateNonce() (string, error) {
	return GenerateHandle()
}
