package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap/zaptest"
)

func sign(t *testing.T, key *rsa.PrivateKey, claims domain.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func TestMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewBaseValidator(&key.PublicKey)

	var seen *domain.Claims
	h := NewMiddleware(v, zaptest.NewLogger(t))(RequireScope(domain.ScopeGuardrailsWrite)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = ClaimsFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	writer := sign(t, key, domain.Claims{OrgID: "org-1", Scopes: map[string]bool{domain.ScopeGuardrailsWrite: true},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}})
	reader := sign(t, key, domain.Claims{OrgID: "org-1", Scopes: map[string]bool{domain.ScopeGuardrailsRead: true},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}})
	noOrg := sign(t, key, domain.Claims{Scopes: map[string]bool{domain.ScopeAdmin: true},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}})

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer garbage"))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+noOrg))
	assert.Equal(t, http.StatusForbidden, call("Bearer "+reader))
	assert.Equal(t, http.StatusNoContent, call("Bearer "+writer))
	require.NotNil(t, seen)
	assert.Equal(t, "org-1", seen.OrgID)
}
