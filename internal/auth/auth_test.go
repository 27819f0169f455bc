package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	j := NewJWTManager("secret", time.Hour)
	tok, err := j.GenerateToken("writer-1", RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 3600, tok.ExpiresIn)

	uc, err := j.ValidateToken(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "writer-1", uc.Subject)
	assert.True(t, uc.HasScope(ScopeWrite))
	assert.NotEmpty(t, uc.TokenID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), uc.ExpiresAt, time.Minute)

	_, err = j.GenerateToken("", RoleReader)
	assert.Error(t, err)
}

func TestValidateTokenRejects(t *testing.T) {
	j := NewJWTManager("secret", time.Hour)
	tok, err := j.GenerateToken("reader", RoleReader)
	require.NoError(t, err)

	_, err = NewJWTManager("other", time.Hour).ValidateToken(tok.AccessToken)
	assert.Error(t, err)

	expired := NewJWTManager("secret", time.Hour)
	expired.expiry = -time.Minute
	old, err := expired.GenerateToken("reader", RoleReader)
	require.NoError(t, err)
	_, err = j.ValidateToken(old.AccessToken)
	assert.Error(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "someone-else"},
	})
	signed, err := foreign.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = j.ValidateToken(signed)
	assert.Error(t, err)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
	_, err = ExtractBearerToken("Basic abc")
	assert.Error(t, err)
	_, err = ExtractBearerToken("Bearer ")
	assert.Error(t, err)
}

func TestHTTPMiddleware(t *testing.T) {
	j := NewJWTManager("secret", time.Hour)
	reader, err := j.GenerateToken("reader", RoleReader)
	require.NoError(t, err)

	var seen *UserContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	mw := NewMiddleware(j, false, nil)
	h := mw.HTTPMiddleware(inner)

	do := func(target, header string) int {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do("/v1/entities/e1", ""))
	assert.Equal(t, http.StatusUnauthorized, do("/v1/entities/e1", "Bearer garbage"))
	assert.Equal(t, http.StatusUnauthorized, do("/v1/entities/e1", "Token abc"))
	assert.Equal(t, http.StatusNoContent, do("/v1/entities/e1", "Bearer "+reader.AccessToken))
	require.NotNil(t, seen)
	assert.Equal(t, "reader", seen.Subject)

	// Query tokens are only honoured on streaming endpoints.
	assert.Equal(t, http.StatusNoContent, do("/v1/projects/p1/analysis/stream?access_token="+reader.AccessToken, ""))
	assert.Equal(t, http.StatusUnauthorized, do("/v1/projects/p1/entities?access_token="+reader.AccessToken, ""))
}

func TestSkipAuthAndScopes(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	dev := NewMiddleware(nil, true, nil).HTTPMiddleware(RequireScope(ScopeWrite, ok))
	rec := httptest.NewRecorder()
	dev.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/projects/p1/analysis", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	j := NewJWTManager("secret", time.Hour)
	reader, err := j.GenerateToken("reader", RoleReader)
	require.NoError(t, err)
	h := NewMiddleware(j, false, nil).HTTPMiddleware(RequireScope(ScopeWrite, ok))
	req := httptest.NewRequest(http.MethodPost, "/v1/projects/p1/analysis", nil)
	req.Header.Set("Authorization", "Bearer "+reader.AccessToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), ScopeWrite)

	rec = httptest.NewRecorder()
	RequireScope(ScopeRead, ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
