package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/model"
)

// ==========================================================================
// Remote Model Service
// ==========================================================================

func TestRemote_OpenAndSaveSubmitsChanges(t *testing.T) {
	h := NewTestHarness(t, WithRemote())
	token := h.GenerateToken(OwnerClaims())
	ms := h.ModelService()

	d := h.OpenSession(t, token, "order")
	if a, _ := Attribute(d, "code"); a.Value != "DOC" || !a.Inherited {
		t.Errorf("code = %+v, want inherited DOC from the remote parent", a)
	}
	ms.AssertCalled(t, OpGetMetadata, 1)
	ms.AssertCalled(t, OpGetModel, 2)

	h.Edit(t, token, d.ID, "attribute=title", "Remote order")
	h.AssertStatus(t, h.POST(SessionPath(d.ID, "save"), nil, token), http.StatusOK)

	ms.AssertCalled(t, OpSubmitChanges, 1)
	req := ms.LastRequest(OpSubmitChanges)
	if req.ModelID != "order" {
		t.Errorf("submitted model = %q, want order", req.ModelID)
	}
	changes, _ := req.Body["changes"].([]any)
	if len(changes) != 1 {
		t.Errorf("submitted changes = %s, want 1 entry", string(req.RawBody))
	}
	if h.History.Len() != 1 {
		t.Errorf("History.Len() = %d, want 1", h.History.Len())
	}
}

func TestRemote_PayloadsAreCached(t *testing.T) {
	h := NewTestHarness(t, WithRemote())
	token := h.GenerateToken(AuthorClaims())
	ms := h.ModelService()

	h.OpenSession(t, token, "order")
	h.OpenSession(t, token, "order")
	h.OpenSession(t, token, "invoice")

	ms.AssertCalled(t, OpGetMetadata, 1)
	// order, document, invoice.
	ms.AssertCalled(t, OpGetModel, 3)
}

func TestRemote_ListModelsIsEmpty(t *testing.T) {
	h := NewTestHarness(t, WithRemote())
	token := h.GenerateToken(ReaderClaims())

	var body struct {
		Data       []model.ModelSummary `json:"data"`
		TotalCount int                  `json:"total_count"`
	}
	h.AssertJSON(t, h.GET("/api/models", token), http.StatusOK, &body)
	if body.TotalCount != 0 || len(body.Data) != 0 {
		t.Errorf("models = %s, want empty", FormatJSON(body))
	}
}

func TestRemote_UnknownModelReturns404(t *testing.T) {
	h := NewTestHarness(t, WithRemote())
	token := h.GenerateToken(AuthorClaims())

	h.AssertError(t, h.POST("/api/sessions", model.OpenSessionInput{ModelID: "missing"}, token), http.StatusNotFound, model.ErrNotFound)
}

func TestRemote_SubmitConflictKeepsSessionDirty(t *testing.T) {
	h := NewTestHarness(t, WithRemote())
	token := h.GenerateToken(OwnerClaims())
	ms := h.ModelService()

	d := h.OpenSession(t, token, "order")
	h.Edit(t, token, d.ID, "attribute=title", "Remote order")

	ms.OnOperation(OpSubmitChanges).RespondWithError(http.StatusConflict, "CONFLICT", "changed")
	h.AssertError(t, h.POST(SessionPath(d.ID, "save"), nil, token), http.StatusConflict, model.ErrConflict)

	if h.History.Len() != 0 {
		t.Errorf("History.Len() = %d, want 0 after a rejected submit", h.History.Len())
	}
	var desc model.SessionDescriptor
	h.AssertJSON(t, h.GET(SessionPath(d.ID, ""), token), http.StatusOK, &desc)
	if !desc.Dirty {
		t.Error("session lost its pending changes after a rejected submit")
	}
}

// ==========================================================================
// Circuit Breaker Tests
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	token := h.GenerateToken(AuthorClaims())
	ms := h.ModelService()

	ms.OnOperation(OpGetMetadata).RespondWith(500, map[string]any{"error": "internal error"})

	// Send enough requests to trip the circuit breaker.
	for range 3 {
		h.AssertError(t, h.POST("/api/sessions", model.OpenSessionInput{ModelID: "order"}, token),
			http.StatusBadGateway, model.ErrBackendUnavailable)
	}

	callsBefore := len(ms.AllRequests(OpGetMetadata))

	// Next request should fail immediately without hitting the upstream.
	h.AssertError(t, h.POST("/api/sessions", model.OpenSessionInput{ModelID: "order"}, token),
		http.StatusBadGateway, model.ErrBackendUnavailable)

	callsAfter := len(ms.AllRequests(OpGetMetadata))
	if callsAfter != callsBefore {
		t.Errorf("upstream received %d additional calls after circuit opened, want 0", callsAfter-callsBefore)
	}

	// Readiness reports the open circuit.
	h.AssertStatus(t, h.GET("/ui/ready", ""), http.StatusServiceUnavailable)
}

func TestResilience_CircuitBreakerRecoveryAfterTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          1 * time.Second, // Short timeout for testing.
		}),
	)
	token := h.GenerateToken(AuthorClaims())
	ms := h.ModelService()

	ms.OnOperation(OpGetMetadata).RespondWith(500, map[string]any{"error": "fail"})
	for range 2 {
		h.POST("/api/sessions", model.OpenSessionInput{ModelID: "order"}, token).Body.Close()
	}

	// Wait for circuit breaker timeout to expire (transitions to half-open).
	time.Sleep(1500 * time.Millisecond)

	// The upstream recovers.
	ms.ResetOperation(OpGetMetadata)

	d := h.OpenSession(t, token, "order")
	if d.ModelID != "order" {
		t.Errorf("ModelID = %q after recovery", d.ModelID)
	}
	h.AssertStatus(t, h.GET("/ui/ready", ""), http.StatusOK)
}

func TestResilience_4xxDoesNotTripCircuitBreaker(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	token := h.GenerateToken(AuthorClaims())
	ms := h.ModelService()

	// Unknown models are 404 upstream, a client error.
	for range 5 {
		h.AssertError(t, h.POST("/api/sessions", model.OpenSessionInput{ModelID: "missing"}, token),
			http.StatusNotFound, model.ErrNotFound)
	}

	// All 5 requests reached the upstream (circuit still closed).
	ms.AssertCalled(t, OpGetModel, 5)
}

// ==========================================================================
// Retry Tests
// ==========================================================================

func TestResilience_GETRequestRetriedOn502(t *testing.T) {
	h := NewTestHarness(t,
		WithRetry(config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    10 * time.Millisecond,
			BackoffMultiplier: 1.0,
			BackoffMax:        50 * time.Millisecond,
		}),
	)
	token := h.GenerateToken(AuthorClaims())
	ms := h.ModelService()

	// First two calls return 502, third succeeds.
	ms.OnOperation(OpGetMetadata).
		RespondWith(502, map[string]any{"error": "bad gateway"}).
		RespondWith(502, map[string]any{"error": "bad gateway"}).
		RespondWith(200, ms.Metadata())

	h.OpenSession(t, token, "order")

	// Upstream should have been called 3 times (2 retries + 1 success).
	ms.AssertCalled(t, OpGetMetadata, 3)
}

func TestResilience_SubmitNotRetried(t *testing.T) {
	h := NewTestHarness(t,
		WithRetry(config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    10 * time.Millisecond,
			BackoffMultiplier: 1.0,
			BackoffMax:        50 * time.Millisecond,
		}),
	)
	token := h.GenerateToken(OwnerClaims())
	ms := h.ModelService()

	d := h.OpenSession(t, token, "order")
	h.Edit(t, token, d.ID, "attribute=title", "Remote order")

	ms.OnOperation(OpSubmitChanges).RespondWith(502, map[string]any{"error": "bad gateway"})

	h.AssertError(t, h.POST(SessionPath(d.ID, "save"), nil, token), http.StatusBadGateway, model.ErrBackendUnavailable)

	// Change submission is not idempotent and must reach the upstream once.
	ms.AssertCalled(t, OpSubmitChanges, 1)
}

// ==========================================================================
// Timeout Tests
// ==========================================================================

func TestResilience_HandlerTimeout_TerminatesSlowRequest(t *testing.T) {
	h := NewTestHarness(t,
		WithRemote(),
		WithHandlerTimeout(300*time.Millisecond),
	)
	token := h.GenerateToken(AuthorClaims())
	ms := h.ModelService()

	ms.OnOperation(OpGetMetadata).RespondWithDelay(2*time.Second, 200, ms.Metadata())

	resp := h.POST("/api/sessions", model.OpenSessionInput{ModelID: "order"}, token)
	defer resp.Body.Close()

	// The exact status may vary (504 or a wrapped cancellation error).
	if resp.StatusCode == http.StatusCreated {
		t.Error("expected timeout error, got 201 Created")
	}
}

func TestResilience_FastUpstream_NoTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithRemote(),
		WithHandlerTimeout(10*time.Second),
	)
	token := h.GenerateToken(AuthorClaims())

	h.OpenSession(t, token, "order")
}
