package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	// SigningKey is the HMAC key sessions tokens are signed with.
	SigningKey []byte

	// Issuer, when set, is required to match the token's iss claim.
	Issuer string
}

// JWTAuthenticator verifies HMAC-signed bearer tokens issued by the auth
// service and extracts the user identity and scopes.
type JWTAuthenticator struct {
	cfg JWTConfig
}

// NewJWTAuthenticator creates a bearer token authenticator.
func NewJWTAuthenticator(cfg JWTConfig) *JWTAuthenticator {
	return &JWTAuthenticator{cfg: cfg}
}

// Authenticate verifies the token found in the context.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*UserContext, error) {
	raw := GetToken(ctx)
	if raw == "" {
		return nil, fmt.Errorf("no bearer token in context")
	}

	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	uc := &UserContext{AuthType: "jwt"}
	if sub, _ := claims["sub"].(string); sub != "" {
		uc.UserID = sub
	} else {
		return nil, fmt.Errorf("token missing sub claim")
	}
	if email, _ := claims["email"].(string); email != "" {
		uc.Email = email
	}
	if name, _ := claims["name"].(string); name != "" {
		uc.Name = name
	}
	uc.Scopes = extractScopes(claims)
	return uc, nil
}

// extractScopes reads scopes from either a space-delimited "scope" claim or
// a "scopes" array claim.
func extractScopes(claims jwt.MapClaims) []string {
	if scope, _ := claims["scope"].(string); scope != "" {
		return strings.Fields(scope)
	}
	if arr, ok := claims["scopes"].([]any); ok {
		scopes := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}
