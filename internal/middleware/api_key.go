// Package middleware holds the interceptors in front of the decidez HTTP and
// gRPC APIs. Callers authenticate with bearer tokens of the form
// "<key id>.<secret>", where the key id selects a stored bcrypt hash of the
// secret. Repeated failures from one client are throttled, and every request
// is logged under a request id.
package middleware

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns the bcrypt hash stored for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash reports whether secret matches a stored bcrypt hash.
// Anything that is not a bcrypt hash never matches.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// FormatAPIKey joins a key id and its secret into a bearer token.
func FormatAPIKey(keyID, secret string) string {
	return keyID + "." + secret
}

// SplitAPIKey splits a bearer token into its key id and secret. The key id
// never contains a dot; the secret may.
func SplitAPIKey(token string) (keyID, secret string, ok bool) {
	keyID, secret, ok = strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}
