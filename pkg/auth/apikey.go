package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is a configured programmatic credential. Hash is the bcrypt hash
// of the key value; raw key material is never persisted.
type APIKey struct {
	Name   string
	Hash   string
	Scopes []string
}

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey
}

// APIKeyAuthenticator authenticates using bcrypt-hashed API keys.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: cfg.Keys}
}

// Authenticate validates the API key found in the context. Comparison is
// bcrypt, so timing reveals nothing about key material.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*UserContext, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, fmt.Errorf("no API key in context")
	}

	for i := range a.keys {
		key := &a.keys[i]
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(token)) == nil {
			return &UserContext{
				UserID:   "apikey:" + key.Name,
				Name:     key.Name,
				Scopes:   key.Scopes,
				AuthType: "apikey",
			}, nil
		}
	}
	return nil, fmt.Errorf("invalid API key")
}
