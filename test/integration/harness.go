// Package integration provides a reusable test harness for end-to-end
// integration testing of the model management server. It starts a full
// HTTP server with in-memory stores, a test JWT issuer and, optionally, a
// mock upstream model service.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/capability"
	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/internal/observability"
	"github.com/pitabwire/modelmgmt/internal/session"
	"github.com/pitabwire/modelmgmt/internal/source"
	"github.com/pitabwire/modelmgmt/internal/store"
	"github.com/pitabwire/modelmgmt/internal/transport"
	"github.com/pitabwire/modelmgmt/model"
)

// TestHarness encapsulates a fully wired server instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *source.Registry
	Remote      *source.RemoteSource
	Sessions    *session.Manager
	History     *store.MemoryStore
	Ledger      *session.MemoryLedger
	CapResolver model.CapabilityResolver

	modelService *MockModelService
	cfg          *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	policyFile         string
	remote             bool
	circuitBreaker     config.CircuitBreakerConfig
	retry              config.RetryConfig
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	sessionTTL         time.Duration
}

// WithDefinitions sets the payload directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithRemote serves the payloads from a mock upstream model service instead
// of loading them locally.
func WithRemote() HarnessOption {
	return func(c *harnessConfig) {
		c.remote = true
	}
}

// WithCircuitBreaker sets the circuit breaker of the remote source and
// implies WithRemote.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.remote = true
		c.circuitBreaker = cb
	}
}

// WithRetry sets the retry policy of the remote source and implies
// WithRemote.
func WithRetry(retry config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.remote = true
		c.retry = retry
	}
}

// WithIdempotency enables save idempotency with an in-memory ledger.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithSessionTTL sets the idle lifetime of editing sessions.
func WithSessionTTL(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.sessionTTL = d
	}
}

// NewTestHarness creates and starts a full server instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		sessionTTL:     30 * time.Minute,
		circuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{MaxAttempts: 1},
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir, "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir, "policies.yaml")
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Step 1: Build the model source.
	var (
		src       session.Source
		catalogue transport.ModelCatalogue
		checks    observability.ReadinessChecks
	)
	if hc.remote {
		h.modelService = newMockModelService(t, hc.definitionDirs)
		remote, err := source.NewRemoteSource(config.RemoteConfig{
			Enabled:        true,
			BaseURL:        h.modelService.URL(),
			Timeout:        5 * time.Second,
			CircuitBreaker: hc.circuitBreaker,
			Retry:          hc.retry,
			Cache:          config.CacheConfig{TTL: time.Minute, MaxEntries: 64},
		}, source.WithRemoteLogger(logger))
		if err != nil {
			t.Fatalf("create remote source: %v", err)
		}
		h.Remote = remote
		src = remote
		checks.ModelsLoaded = func() bool { return true }
		checks.RemoteSource = remote
	} else {
		payloads, err := source.NewLoader().LoadAll(hc.definitionDirs)
		if err != nil {
			t.Fatalf("load definitions: %v", err)
		}
		if verrs := source.NewValidator().Validate(payloads); len(verrs) > 0 {
			t.Fatalf("invalid definitions: %v", &source.ValidationError{Errors: verrs})
		}
		h.Registry = source.NewRegistry(payloads, logger)
		src = h.Registry
		catalogue = h.Registry
		checks.ModelsLoaded = func() bool { return h.Registry.Len() > 0 }
	}

	// Step 2: Build capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0, 0) // no caching in tests

	// Step 3: Build in-memory stores and the session manager.
	h.History = store.NewMemoryStore()
	h.Ledger = session.NewMemoryLedger()
	checks.ChangeSetStore = h.History

	sessionOpts := []session.Option{
		session.WithRecorder(h.History),
		session.WithTTL(hc.sessionTTL),
		session.WithLogger(logger),
	}
	if hc.idempotencyEnabled {
		sessionOpts = append(sessionOpts, session.WithLedger(h.Ledger, time.Hour))
	}
	if h.Remote != nil {
		sessionOpts = append(sessionOpts, session.WithPublisher(h.Remote))
	}
	h.Sessions = session.NewManager(src, sessionOpts...)

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			Port:           0, // unused, httptest picks a port
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:     h.issuer.Issuer(),
			Audience:   h.issuer.Audience(),
			JWKSURL:    h.issuer.JWKSURL(),
			Algorithms: []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
	}

	// Step 6: Build router with full middleware chain.
	keys := transport.NewSigningKeys(h.issuer.JWKSURL(), time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Authenticate:       transport.BearerAuth(h.cfg.Identity, keys),
		CapabilityResolver: h.CapResolver,
		Catalogue:          catalogue,
		Sessions:           h.Sessions,
		History:            h.History,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler:       observability.HandleReady(checks),
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(observability.TracingMiddleware(router))
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// ModelService returns the mock upstream model service. Fails the test if
// the harness was not started WithRemote.
func (h *TestHarness) ModelService() *MockModelService {
	if h.modelService == nil {
		h.t.Fatalf("mock model service not configured")
	}
	return h.modelService
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT issued for another audience.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Session helpers ---

// OpenSession opens a session on modelID and returns its descriptor.
func (h *TestHarness) OpenSession(t *testing.T, token, modelID string) model.SessionDescriptor {
	t.Helper()
	var d model.SessionDescriptor
	h.AssertJSON(t, h.POST("/api/sessions", model.OpenSessionInput{ModelID: modelID}, token), http.StatusCreated, &d)
	return d
}

// Edit sets the value of the attribute at selector in a session.
func (h *TestHarness) Edit(t *testing.T, token, sessionID, selector string, value any) model.SessionDescriptor {
	t.Helper()
	var d model.SessionDescriptor
	resp := h.POST(SessionPath(sessionID, "actions"), model.EditInput{Selector: selector, Value: value}, token)
	h.AssertJSON(t, resp, http.StatusOK, &d)
	return d
}

// SessionPath returns the API path of a session sub-resource.
func SessionPath(sessionID, sub string) string {
	if sub == "" {
		return "/api/sessions/" + sessionID
	}
	return "/api/sessions/" + sessionID + "/" + sub
}

// Attribute returns the descriptor of the root attribute id.
func Attribute(d model.SessionDescriptor, id string) (model.AttributeDescriptor, bool) {
	for _, a := range d.Model.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return model.AttributeDescriptor{}, false
}

// --- Default test claims ---

// OwnerClaims returns TestClaims for a catalogue_owner user.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		TenantID:  "acme-corp",
		Email:     "owner@acme.example.com",
		Roles:     []string{"catalogue_owner"},
	}
}

// AuthorClaims returns TestClaims for a catalogue_author user.
func AuthorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-author",
		TenantID:  "acme-corp",
		Email:     "author@acme.example.com",
		Roles:     []string{"catalogue_author"},
	}
}

// ReaderClaims returns TestClaims for a catalogue_reader user.
func ReaderClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-reader",
		TenantID:  "acme-corp",
		Email:     "reader@acme.example.com",
		Roles:     []string{"catalogue_reader"},
	}
}

// OtherTenantOwnerClaims returns TestClaims for an owner of another tenant.
func OtherTenantOwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Email:     "owner@globex.example.com",
		Roles:     []string{"catalogue_owner"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
