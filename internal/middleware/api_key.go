// Package middleware provides authentication, request logging and failed-auth
// rate limiting for the condz HTTP and gRPC transports. API keys are
// presented as bearer tokens of the form "<key id>.<secret>" and checked
// against bcrypt hashes.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var errMalformedAPIKey = errors.New("malformed api key")

// KeyStore looks up the stored bcrypt hash and owning project of an API key.
type KeyStore interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, projectID string, err error)
}

// APIKeyValidator is a [TokenValidator] backed by a [KeyStore].
type APIKeyValidator struct {
	store KeyStore
}

// NewAPIKeyValidator returns a validator reading keys from store.
func NewAPIKeyValidator(store KeyStore) *APIKeyValidator {
	return &APIKeyValidator{store: store}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	id, secret, err := ParseAPIKey(token)
	if err != nil {
		return Principal{}, err
	}

	hash, projectID, err := v.store.ValidateAPIKey(ctx, id)
	if err != nil {
		return Principal{}, fmt.Errorf("look up api key: %w", err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return Principal{}, errInvalidAuthorizationHeader
	}

	return Principal{ProjectID: projectID, KeyID: id}, nil
}

// ParseAPIKey splits a bearer token into key ID and secret.
func ParseAPIKey(token string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", errMalformedAPIKey
	}
	return id, secret, nil
}

// FormatAPIKey joins a key ID and secret into the bearer token clients send.
func FormatAPIKey(id, secret string) string {
	return id + "." + secret
}

// APIKeyMatchesHash compares an API key secret against its stored bcrypt
// hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
