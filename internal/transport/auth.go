package transport

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/model"
)

// SigningKeys holds the RSA keys of the identity provider, loaded from its
// JWKS endpoint and reloaded once ttl has passed or an unknown key id shows
// up.
type SigningKeys struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	keys     map[string]*rsa.PublicKey
	loadedAt time.Time
}

// SigningKeysOption configures SigningKeys.
type SigningKeysOption func(*SigningKeys)

// WithKeysLogger sets the logger reporting skipped keys.
func WithKeysLogger(l *zap.Logger) SigningKeysOption {
	return func(k *SigningKeys) { k.logger = l }
}

// NewSigningKeys returns the key set served at url.
func NewSigningKeys(url string, ttl time.Duration, opts ...SigningKeysOption) *SigningKeys {
	k := &SigningKeys{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		keys:       map[string]*rsa.PublicKey{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Key returns the verification key kid.
func (k *SigningKeys) Key(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	fresh := time.Since(k.loadedAt) < k.ttl
	k.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := k.load(); err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok = k.keys[kid]; !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *SigningKeys) load() error {
	resp, err := k.httpClient.Get(k.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, j := range set.Keys {
		if j.Kid == "" || j.Kty != "RSA" {
			continue
		}
		key, err := j.rsaKey()
		if err != nil {
			k.logger.Warn("skipping signing key", zap.String("kid", j.Kid), zap.Error(err))
			continue
		}
		keys[j.Kid] = key
	}

	k.mu.Lock()
	k.keys = keys
	k.loadedAt = time.Now()
	k.mu.Unlock()
	return nil
}

func (j jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil || len(n) == 0 {
		return nil, errors.New("invalid modulus")
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil || len(e) == 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// BearerAuth verifies the bearer token of each request against keys and
// the issuer, audience and algorithms of cfg. The verified claims are
// stored in the request context for RequestContextMiddleware.
func BearerAuth(cfg config.IdentityConfig, keys *SigningKeys) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no key id")
		}
		return keys.Key(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				WriteError(w, model.NewUnauthorizedError("Missing bearer token"))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionReason(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}
