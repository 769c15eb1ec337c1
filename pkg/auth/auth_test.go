package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSigningKey = "test-signing-key"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return signed
}

func TestJWTAuthenticate(t *testing.T) {
	authn := NewJWTAuthenticator(JWTConfig{SigningKey: []byte(testSigningKey), Issuer: "luma"})

	token := signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"iss":   "luma",
		"email": "u@example.com",
		"scope": "chat:generate chats:read",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	uc, err := authn.Authenticate(WithToken(context.Background(), token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", uc.UserID)
	assert.Equal(t, "u@example.com", uc.Email)
	assert.Equal(t, "jwt", uc.AuthType)
	assert.True(t, uc.HasScope(ScopeChatGenerate))
	assert.False(t, uc.HasScope("admin"))
}

func TestJWTAuthenticateRejects(t *testing.T) {
	authn := NewJWTAuthenticator(JWTConfig{SigningKey: []byte(testSigningKey), Issuer: "luma"})

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", func() string {
			tk := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "iss": "luma"})
			s, _ := tk.SignedString([]byte("other-key"))
			return s
		}()},
		{"wrong issuer", signToken(t, jwt.MapClaims{"sub": "u", "iss": "someone-else"})},
		{"missing sub", signToken(t, jwt.MapClaims{"iss": "luma"})},
		{"expired", signToken(t, jwt.MapClaims{"sub": "u", "iss": "luma", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := authn.Authenticate(WithToken(context.Background(), tt.token))
			assert.Error(t, err)
		})
	}
}

func TestJWTScopesArrayClaim(t *testing.T) {
	authn := NewJWTAuthenticator(JWTConfig{SigningKey: []byte(testSigningKey)})
	token := signToken(t, jwt.MapClaims{
		"sub":    "user-1",
		"scopes": []string{"chat:generate"},
	})

	uc, err := authn.Authenticate(WithToken(context.Background(), token))
	require.NoError(t, err)
	assert.Equal(t, []string{"chat:generate"}, uc.Scopes)
}

func TestAPIKeyAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-key"), bcrypt.MinCost)
	require.NoError(t, err)

	authn := NewAPIKeyAuthenticator(APIKeyConfig{Keys: []APIKey{
		{Name: "ci", Hash: string(hash), Scopes: []string{ScopeChatGenerate}},
	}})

	uc, err := authn.Authenticate(WithToken(context.Background(), "secret-key"))
	require.NoError(t, err)
	assert.Equal(t, "ci", uc.Name)
	assert.Equal(t, "apikey:ci", uc.UserID)
	assert.Equal(t, "apikey", uc.AuthType)
	assert.True(t, uc.HasScope(ScopeChatGenerate))

	_, err = authn.Authenticate(WithToken(context.Background(), "wrong-key"))
	assert.Error(t, err)
}

func TestWildcardScope(t *testing.T) {
	uc := &UserContext{Scopes: []string{"*"}}
	assert.True(t, uc.HasScope(ScopeChatGenerate))
	assert.True(t, uc.HasScope("anything"))
}

func echoUserHandler(t *testing.T, wantUser string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc := GetUserContext(r.Context())
		require.NotNil(t, uc)
		assert.Equal(t, wantUser, uc.UserID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareBearerHeader(t *testing.T) {
	authn := NewJWTAuthenticator(JWTConfig{SigningKey: []byte(testSigningKey)})
	handler := Middleware([]Authenticator{authn}, false)(echoUserHandler(t, "user-1"))

	token := signToken(t, jwt.MapClaims{"sub": "user-1"})
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareQueryToken(t *testing.T) {
	authn := NewJWTAuthenticator(JWTConfig{SigningKey: []byte(testSigningKey)})
	handler := Middleware([]Authenticator{authn}, false)(echoUserHandler(t, "user-1"))

	token := signToken(t, jwt.MapClaims{"sub": "user-1"})
	req := httptest.NewRequest(http.MethodGet, "/api/chat/completions/x/events?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	handler := Middleware(nil, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"missing credentials"}`, rec.Body.String())
}

func TestMiddlewareRejectsInvalidCredentials(t *testing.T) {
	authn := NewJWTAuthenticator(JWTConfig{SigningKey: []byte(testSigningKey)})
	handler := Middleware([]Authenticator{authn}, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAllowAnonymous(t *testing.T) {
	var uc *UserContext
	handler := Middleware(nil, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		uc = GetUserContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, uc)
	assert.Equal(t, "anonymous", uc.UserID)
	assert.Equal(t, "anonymous", uc.AuthType)
	assert.True(t, uc.HasScope(ScopeChatGenerate))
}
