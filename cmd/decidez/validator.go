package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/matt-riley/decidez/internal/middleware"
)

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// apiKeyTokenValidator checks "<id>.<secret>" bearer tokens against the stored
// key hash and yields the key ID.
type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, ok := middleware.SplitAPIKey(token)
	if !ok {
		return "", errors.New("invalid token format")
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
