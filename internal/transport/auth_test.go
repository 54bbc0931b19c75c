package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/model"
)

type identityProvider struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newIdentityProvider(t *testing.T, kid string) *identityProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &identityProvider{key: key}
	keys := []map[string]string{
		{
			"kid": kid,
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		},
		{"kid": "ec-1", "kty": "EC", "crv": "P-256"},
		{"kid": "broken", "kty": "RSA", "n": "", "e": "AQAB"},
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *identityProvider) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(p.key)
	require.NoError(t, err)
	return s
}

func identityConfig(p *identityProvider) config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://id.acme.example.com",
		Audience:   "modelmgmt",
		JWKSURL:    p.server.URL,
		Algorithms: []string{"RS256"},
	}
}

func authorClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       "https://id.acme.example.com",
		"aud":       "modelmgmt",
		"sub":       "author-1",
		"tenant_id": "acme-corp",
		"roles":     []any{"catalogue_author"},
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestSigningKeys_Key(t *testing.T) {
	p := newIdentityProvider(t, "k1")
	keys := NewSigningKeys(p.server.URL, time.Hour)

	key, err := keys.Key("k1")
	require.NoError(t, err)
	require.Equal(t, 0, key.N.Cmp(p.key.N))

	_, err = keys.Key("k1")
	require.NoError(t, err)
	require.EqualValues(t, 1, p.fetches.Load(), "cached key served without reload")

	for _, kid := range []string{"ec-1", "broken", "missing"} {
		_, err = keys.Key(kid)
		require.Error(t, err, kid)
	}
}

func TestSigningKeys_reloadsAfterTTL(t *testing.T) {
	p := newIdentityProvider(t, "k1")
	keys := NewSigningKeys(p.server.URL, time.Millisecond)

	_, err := keys.Key("k1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = keys.Key("k1")
	require.NoError(t, err)
	require.EqualValues(t, 2, p.fetches.Load())
}

func TestSigningKeys_unavailableProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSigningKeys(srv.URL, time.Hour).Key("k1")
	require.ErrorContains(t, err, "unexpected status 503")
}

func TestBearerAuth(t *testing.T) {
	p := newIdentityProvider(t, "k1")
	cfg := identityConfig(p)

	expired := authorClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	skewed := authorClaims()
	skewed["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
	foreign := authorClaims()
	foreign["aud"] = "billing"
	otherIssuer := authorClaims()
	otherIssuer["iss"] = "https://id.globex.example.com"
	noExpiry := authorClaims()
	delete(noExpiry, "exp")

	tests := []struct {
		name    string
		header  string
		status  int
		message string
	}{
		{"valid", "Bearer " + p.sign(t, "k1", authorClaims()), http.StatusOK, ""},
		{"within clock skew", "Bearer " + p.sign(t, "k1", skewed), http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, "Missing bearer token"},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "Missing bearer token"},
		{"expired", "Bearer " + p.sign(t, "k1", expired), http.StatusUnauthorized, "Token expired"},
		{"other audience", "Bearer " + p.sign(t, "k1", foreign), http.StatusUnauthorized, "Invalid token audience"},
		{"other issuer", "Bearer " + p.sign(t, "k1", otherIssuer), http.StatusUnauthorized, "Invalid token issuer"},
		{"no expiry", "Bearer " + p.sign(t, "k1", noExpiry), http.StatusUnauthorized, "Invalid token"},
		{"unknown key", "Bearer " + p.sign(t, "k9", authorClaims()), http.StatusUnauthorized, "Unknown signing key"},
		{"no key id", "Bearer " + p.sign(t, "", authorClaims()), http.StatusUnauthorized, "Unknown signing key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var claims map[string]any
			handler := BearerAuth(cfg, NewSigningKeys(cfg.JWKSURL, time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				claims = ClaimsFrom(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.Equal(t, "author-1", claims["sub"])
				require.Equal(t, "acme-corp", claims["tenant_id"])
				return
			}
			require.Nil(t, claims)
			var body struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, model.ErrUnauthorized, body.Error.Code)
			require.Equal(t, tt.message, body.Error.Message)
		})
	}
}

func TestBearerAuth_rejectsDisallowedAlgorithm(t *testing.T) {
	p := newIdentityProvider(t, "k1")
	cfg := identityConfig(p)
	cfg.Algorithms = []string{"RS384"}

	handler := BearerAuth(cfg, NewSigningKeys(cfg.JWKSURL, time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("Authorization", "Bearer "+p.sign(t, "k1", authorClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"catalogue_owner", "catalogue_reader"},
		},
		"sub": "user-1",
	}

	require.Equal(t, "user-1", extractClaimString(claims, "sub"))
	require.Equal(t, []string{"catalogue_owner", "catalogue_reader"}, extractClaimStringSlice(claims, "realm_access.roles"))
	require.Empty(t, extractClaimString(claims, "nonexistent.path"))
	require.Empty(t, extractClaimString(nil, "sub"))
}

func TestExtractClaim_shapes(t *testing.T) {
	claims := map[string]any{
		"roles": []string{"model_editor"},
		"scope": "models:view models:edit",
		"count": 3.0,
	}

	require.Equal(t, []string{"model_editor"}, extractClaimStringSlice(claims, "roles"))
	require.Equal(t, []string{"models:view", "models:edit"}, extractClaimStringSlice(claims, "scope"))
	require.Nil(t, extractClaimStringSlice(claims, "count"))
	require.Empty(t, extractClaimString(claims, "roles.nested"))
}
