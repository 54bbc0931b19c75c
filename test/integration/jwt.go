package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "test-key-1"
	testIssuer   = "https://auth.test.modelmgmt.dev"
	testAudience = "modelmgmt-test"
)

// TestClaims describes the caller a test token is issued for.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
}

// tokenIssuer signs RS256 tokens and publishes its key on a JWKS endpoint.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	set := map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// GenerateToken issues a token valid for an hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.issue(c, testAudience, time.Now())
}

// GenerateExpiredToken issues a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.issue(c, testAudience, time.Now().Add(-2*time.Hour))
}

// GenerateForeignToken issues a token for another service's audience.
func (ti *tokenIssuer) GenerateForeignToken(c TestClaims) string {
	return ti.issue(c, "some-other-service", time.Now())
}

func (ti *tokenIssuer) issue(c TestClaims, audience string, issuedAt time.Time) string {
	claims := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
	}
	if c.Email != "" {
		claims["email"] = c.Email
	}
	if len(c.Roles) > 0 {
		claims["roles"] = c.Roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return testIssuer }
func (ti *tokenIssuer) Audience() string { return testAudience }
