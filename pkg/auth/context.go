// Package auth provides authentication and scope authorization for the
// chat backend: bearer JWTs for browser sessions and API keys for
// programmatic clients.
package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	userContextKey contextKey = iota
	tokenContextKey
)

// UserContext holds authenticated user information.
type UserContext struct {
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	AuthType string   `json:"auth_type"` // "jwt", "apikey", "anonymous"
}

// AnonymousUser is the identity injected when anonymous access is enabled.
// It carries the wildcard scope: an unguarded deployment is a deliberate
// single-user setup, not a restricted one.
func AnonymousUser() *UserContext {
	return &UserContext{
		UserID:   "anonymous",
		AuthType: "anonymous",
		Scopes:   []string{"*"},
	}
}

// HasScope checks whether the user holds a scope. The wildcard scope "*"
// grants everything.
func (uc *UserContext) HasScope(scope string) bool {
	for _, s := range uc.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// WithUserContext adds user context to the context.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// GetUserContext retrieves user context from the context.
func GetUserContext(ctx context.Context) *UserContext {
	if uc, ok := ctx.Value(userContextKey).(*UserContext); ok {
		return uc
	}
	return nil
}

// WithToken adds a raw credential to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw credential from the context.
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey).(string); ok {
		return token
	}
	return ""
}
