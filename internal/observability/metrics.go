package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sessionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	remoteDurationBuckets  = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Session metrics
	SessionsOpen               prometheus.Gauge
	SessionOperationsTotal     *prometheus.CounterVec
	SessionOperationDuration   *prometheus.HistogramVec
	ActionsExecutedTotal       *prometheus.CounterVec
	ActionsRestoredTotal       *prometheus.CounterVec
	ValidationFailuresTotal    prometheus.Counter
	SavesTotal                 *prometheus.CounterVec
	SessionsExpiredTotal       prometheus.Counter

	// Remote model service metrics
	RemoteRequestsTotal       *prometheus.CounterVec
	RemoteRequestDuration     *prometheus.HistogramVec
	RemoteCircuitBreakerState prometheus.Gauge
	RemoteRetriesTotal        prometheus.Counter

	// Cache metrics
	PayloadCacheHitsTotal      prometheus.Counter
	PayloadCacheMissesTotal    prometheus.Counter
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// Catalogue metrics
	ModelReloadTotal *prometheus.CounterVec
	ModelsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metrics with the given registerer.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_http_requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmgmt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmgmt_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmgmt_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Sessions
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelmgmt_sessions_open",
			Help: "Number of open editing sessions.",
		}),
		SessionOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_session_operations_total",
			Help: "Total session operations.",
		}, []string{"operation", "status"}),
		SessionOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmgmt_session_operation_duration_seconds",
			Help:    "Session operation duration in seconds.",
			Buckets: sessionDurationBuckets,
		}, []string{"operation"}),
		ActionsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_actions_executed_total",
			Help: "Total edit actions executed (including redo).",
		}, []string{"action_type"}),
		ActionsRestoredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_actions_restored_total",
			Help: "Total edit actions restored (undo and cancel).",
		}, []string{"operation"}),
		ValidationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_validation_failures_total",
			Help: "Total saves rejected by validation.",
		}),
		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_saves_total",
			Help: "Total session saves.",
		}, []string{"status"}),
		SessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_sessions_expired_total",
			Help: "Total sessions closed by the idle sweeper.",
		}),

		// Remote
		RemoteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_remote_requests_total",
			Help: "Total requests to the upstream model service.",
		}, []string{"endpoint", "status"}),
		RemoteRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmgmt_remote_request_duration_seconds",
			Help:    "Upstream model service request duration in seconds.",
			Buckets: remoteDurationBuckets,
		}, []string{"endpoint"}),
		RemoteCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelmgmt_remote_circuit_breaker_state",
			Help: "Circuit breaker state of the upstream (0=closed, 1=open, 2=half-open).",
		}),
		RemoteRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_remote_retries_total",
			Help: "Total upstream request retries.",
		}),

		// Cache
		PayloadCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_payload_cache_hits_total",
			Help: "Total remote payload cache hits.",
		}),
		PayloadCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_payload_cache_misses_total",
			Help: "Total remote payload cache misses.",
		}),
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmgmt_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		// Catalogue
		ModelReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmgmt_model_reload_total",
			Help: "Total model payload reloads.",
		}, []string{"status"}),
		ModelsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelmgmt_models_loaded",
			Help: "Number of class and definition models available.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Sessions
		m.SessionsOpen,
		m.SessionOperationsTotal,
		m.SessionOperationDuration,
		m.ActionsExecutedTotal,
		m.ActionsRestoredTotal,
		m.ValidationFailuresTotal,
		m.SavesTotal,
		m.SessionsExpiredTotal,
		// Remote
		m.RemoteRequestsTotal,
		m.RemoteRequestDuration,
		m.RemoteCircuitBreakerState,
		m.RemoteRetriesTotal,
		// Cache
		m.PayloadCacheHitsTotal,
		m.PayloadCacheMissesTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		// Catalogue
		m.ModelReloadTotal,
		m.ModelsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSessionOperation records the outcome of a session operation.
func (m *Metrics) RecordSessionOperation(operation string, success bool, duration time.Duration) {
	m.SessionOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.SessionOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSessionsOpen sets the open sessions gauge.
func (m *Metrics) SetSessionsOpen(n int) {
	m.SessionsOpen.Set(float64(n))
}

// RecordActionExecuted increments the executed actions counter.
func (m *Metrics) RecordActionExecuted(actionType string) {
	m.ActionsExecutedTotal.WithLabelValues(actionType).Inc()
}

// RecordActionRestored increments the restored actions counter.
func (m *Metrics) RecordActionRestored(operation string) {
	m.ActionsRestoredTotal.WithLabelValues(operation).Inc()
}

// RecordValidationFailure increments the rejected saves counter.
func (m *Metrics) RecordValidationFailure() {
	m.ValidationFailuresTotal.Inc()
}

// RecordSave increments the saves counter.
func (m *Metrics) RecordSave(success bool) {
	m.SavesTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordSessionExpired increments the expired sessions counter.
func (m *Metrics) RecordSessionExpired() {
	m.SessionsExpiredTotal.Inc()
}

// RecordRemoteRequest records an upstream request.
func (m *Metrics) RecordRemoteRequest(endpoint string, status int, duration time.Duration) {
	m.RemoteRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.RemoteRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetRemoteCircuitBreakerState sets the breaker state gauge.
func (m *Metrics) SetRemoteCircuitBreakerState(state float64) {
	m.RemoteCircuitBreakerState.Set(state)
}

// RecordRemoteRetry increments the upstream retry counter.
func (m *Metrics) RecordRemoteRetry() {
	m.RemoteRetriesTotal.Inc()
}

// RecordPayloadCacheHit increments the payload cache hit counter.
func (m *Metrics) RecordPayloadCacheHit() {
	m.PayloadCacheHitsTotal.Inc()
}

// RecordPayloadCacheMiss increments the payload cache miss counter.
func (m *Metrics) RecordPayloadCacheMiss() {
	m.PayloadCacheMissesTotal.Inc()
}

// RecordCapabilityCacheHit increments the capability cache hit counter.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss increments the capability cache miss counter.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordModelReload records a model payload reload attempt.
func (m *Metrics) RecordModelReload(status string) {
	m.ModelReloadTotal.WithLabelValues(status).Inc()
}

// SetModelsLoaded sets the loaded models gauge.
func (m *Metrics) SetModelsLoaded(count int) {
	m.ModelsLoaded.Set(float64(count))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
