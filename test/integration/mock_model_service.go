package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/modelmgmt/internal/source"
	"github.com/pitabwire/modelmgmt/model"
)

// Operations served by the mock model service.
const (
	OpGetMetadata   = "getMetadata"
	OpGetModel      = "getModel"
	OpSubmitChanges = "submitChanges"
)

// MockModelService is an HTTP test server that simulates the upstream model
// service. Unless a response is configured for an operation it serves the
// payload fixtures it was created with. Every request is recorded for
// later assertion.
type MockModelService struct {
	t      *testing.T
	server *httptest.Server

	meta   *model.MetaDataDefinition
	models map[string]model.ModelsPayload

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	ModelID    string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring responses of one operation.
type OperationMock struct {
	service *MockModelService
	opID    string
}

// newMockModelService loads the payload fixtures in dirs and starts the
// mock server.
func newMockModelService(t *testing.T, dirs []string) *MockModelService {
	t.Helper()

	payloads, err := source.NewLoader().LoadAll(dirs)
	if err != nil {
		t.Fatalf("load mock fixtures: %v", err)
	}

	ms := &MockModelService{
		t:            t,
		meta:         source.MergeMetaData(payloads),
		models:       make(map[string]model.ModelsPayload),
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}
	for _, p := range payloads {
		for _, it := range p.Classes {
			ms.models[it.ID] = model.ModelsPayload{Classes: []model.ModelItem{it}}
		}
		for _, it := range p.Definitions {
			ms.models[it.ID] = model.ModelsPayload{Definitions: []model.ModelItem{it}}
		}
		for _, it := range p.Properties {
			ms.models[it.ID] = model.ModelsPayload{Properties: []model.ModelItem{it}}
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /metadata", ms.handle(OpGetMetadata, ms.serveMetadata))
	mux.HandleFunc("GET /models/{id}", ms.handle(OpGetModel, ms.serveModel))
	mux.HandleFunc("POST /models/{id}/changes", ms.handle(OpSubmitChanges, ms.acceptChanges))

	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)
	return ms
}

// URL returns the base URL of the mock server.
func (ms *MockModelService) URL() string {
	return ms.server.URL
}

// Metadata returns the attribute catalogue served on /metadata.
func (ms *MockModelService) Metadata() *model.MetaDataDefinition {
	return ms.meta
}

// OnOperation returns a builder for configuring responses for the named operation.
func (ms *MockModelService) OnOperation(operationID string) *OperationMock {
	return &OperationMock{service: ms, opID: operationID}
}

// RespondWith configures the operation to respond with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.service.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError configures the operation to respond with an error envelope.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	om.service.addResponse(om.opID, &mockResponse{
		status: status,
		body: map[string]any{
			"code":    code,
			"message": message,
		},
	})
	return om
}

// RespondWithDelay configures a delayed response to simulate a slow upstream.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.service.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError configures the operation to close the
// connection to simulate an upstream failure.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.service.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (ms *MockModelService) addResponse(opID string, resp *mockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cfg, ok := ms.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		ms.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

// handle records the request and writes either the configured response or
// the fixture served by fallback.
func (ms *MockModelService) handle(opID string, fallback http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			ModelID:    r.PathValue("id"),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		ms.mu.Lock()
		ms.receivedByOp[opID] = append(ms.receivedByOp[opID], rec)
		ms.mu.Unlock()

		resp := ms.getNextResponse(opID)
		if resp == nil {
			fallback(w, r)
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		writeMockJSON(w, resp.status, resp.body)
	}
}

func (ms *MockModelService) serveMetadata(w http.ResponseWriter, _ *http.Request) {
	writeMockJSON(w, http.StatusOK, ms.meta)
}

func (ms *MockModelService) serveModel(w http.ResponseWriter, r *http.Request) {
	p, ok := ms.models[r.PathValue("id")]
	if !ok {
		writeMockJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("mock: model %q not found", r.PathValue("id")),
		})
		return
	}
	writeMockJSON(w, http.StatusOK, p)
}

func (ms *MockModelService) acceptChanges(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func (ms *MockModelService) getNextResponse(opID string) *mockResponse {
	ms.mu.RLock()
	cfg, ok := ms.operations[opID]
	ms.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (ms *MockModelService) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	ms.mu.RLock()
	actual := len(ms.receivedByOp[operationID])
	ms.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock model service: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (ms *MockModelService) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	ms.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation.
// Returns nil if no requests were recorded.
func (ms *MockModelService) LastRequest(operationID string) *RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (ms *MockModelService) AllRequests(operationID string) []*RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (ms *MockModelService) ResetOperation(operationID string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.operations, operationID)
	delete(ms.receivedByOp, operationID)
}
