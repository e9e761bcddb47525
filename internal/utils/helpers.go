package utils

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes a client secret or user password with bcrypt
func HashSecret(secret string) ([]byte, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return hashed, nil
}

// ValidateSecret validates a secret against its bcrypt hash
func ValidateSecret(secret string, hashedSecret []byte) bool {
	if len(hashedSecret) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hashedSecret, []byte(secret)) == nil
}

// SplitScopes splits a space-delimited scope parameter, dropping duplicates and empty entries
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScopes joins scopes into a space-delimited parameter
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsString reports whether list contains v
func ContainsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// MaskToken shortens a secret value for logs
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
