package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/internal/observability"
	"github.com/pitabwire/modelmgmt/model"
)

const (
	endpointMetadata = "metadata"
	endpointModels   = "models"
	endpointChanges  = "changes"

	metadataKey = "metadata"

	maxResponseBytes = 10 << 20
)

// cacheEntry is a cached upstream document.
type cacheEntry struct {
	meta      *metadata.ModelsMetaData
	payload   *model.ModelsPayload
	expiresAt time.Time
}

// RemoteSource loads payloads from an upstream model service and forwards
// saved change-sets back to it.
type RemoteSource struct {
	baseURL  string
	client   *http.Client
	breaker  *Breaker
	retry    config.RetryConfig
	cache    *lru.Cache[string, cacheEntry]
	cacheTTL time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// RemoteOption configures optional RemoteSource dependencies.
type RemoteOption func(*RemoteSource)

// WithRemoteMetrics records upstream calls in m.
func WithRemoteMetrics(m *observability.Metrics) RemoteOption {
	return func(r *RemoteSource) { r.metrics = m }
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(l *zap.Logger) RemoteOption {
	return func(r *RemoteSource) { r.logger = l }
}

// NewRemoteSource creates a RemoteSource for cfg.
func NewRemoteSource(cfg config.RemoteConfig, opts ...RemoteOption) (*RemoteSource, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	size := cfg.Cache.MaxEntries
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("remote: create cache: %w", err)
	}

	cb := cfg.CircuitBreaker
	r := &RemoteSource{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker:  NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout, cb.ErrorRateThreshold, cb.ErrorRateWindow),
		retry:    cfg.Retry,
		cache:    cache,
		cacheTTL: cfg.Cache.TTL,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics != nil {
		m := r.metrics
		r.breaker.OnStateChange(func(s BreakerState) { m.SetRemoteCircuitBreakerState(float64(s)) })
	}
	return r, nil
}

// Load fetches the catalogue, modelID and every model it inherits from.
func (r *RemoteSource) Load(ctx context.Context, modelID string) (*metadata.ModelsMetaData, []*model.ModelsPayload, error) {
	meta, err := r.catalogue(ctx)
	if err != nil {
		return nil, nil, err
	}

	var payloads []*model.ModelsPayload
	seen := make(map[string]bool)
	pending := []string{modelID}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		p, err := r.model(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		payloads = append(payloads, p)
		for _, items := range [][]model.ModelItem{p.Definitions, p.Classes, p.Properties} {
			for _, it := range items {
				seen[it.ID] = true
				if it.Parent != "" && !seen[it.Parent] {
					pending = append(pending, it.Parent)
				}
			}
		}
	}
	return meta, payloads, nil
}

// Submit forwards saved change-sets to the upstream and drops the cached
// payload of modelID.
func (r *RemoteSource) Submit(ctx context.Context, modelID string, changes []model.ChangeSet) (err error) {
	ctx, span := observability.StartRemoteSpan(ctx, endpointChanges, modelID,
		observability.AttrChangeCount.Int(len(changes)),
	)
	defer func() { observability.EndSpan(span, err) }()

	body, err := json.Marshal(struct {
		Changes []model.ChangeSet `json:"changes"`
	}{Changes: changes})
	if err != nil {
		return fmt.Errorf("remote: marshal changes: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s/changes", r.baseURL, url.PathEscape(modelID))
	status, _, err := r.executeOnce(ctx, endpointChanges, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	if err := statusError(status, modelID); err != nil {
		return err
	}
	r.cache.Remove(modelKey(modelID))
	return nil
}

// HealthCheck reports an error while the circuit breaker is open.
func (r *RemoteSource) HealthCheck(_ context.Context) error {
	if s := r.breaker.State(); s == BreakerOpen {
		return fmt.Errorf("remote model service: %w", ErrBreakerOpen)
	}
	return nil
}

// Invalidate drops every cached document.
func (r *RemoteSource) Invalidate() {
	r.cache.Purge()
}

func (r *RemoteSource) catalogue(ctx context.Context) (*metadata.ModelsMetaData, error) {
	if e, ok := r.cached(metadataKey); ok {
		return e.meta, nil
	}
	var def model.MetaDataDefinition
	if err := r.fetch(ctx, endpointMetadata, r.baseURL+"/metadata", "metadata", &def); err != nil {
		return nil, err
	}
	meta := metadata.Build(&def, r.logger)
	r.store(metadataKey, cacheEntry{meta: meta})
	return meta, nil
}

func (r *RemoteSource) model(ctx context.Context, id string) (*model.ModelsPayload, error) {
	if e, ok := r.cached(modelKey(id)); ok {
		return e.payload, nil
	}
	var p model.ModelsPayload
	u := fmt.Sprintf("%s/models/%s", r.baseURL, url.PathEscape(id))
	if err := r.fetch(ctx, endpointModels, u, id, &p); err != nil {
		return nil, err
	}
	r.store(modelKey(id), cacheEntry{payload: &p})
	return &p, nil
}

func modelKey(id string) string { return "model:" + id }

func (r *RemoteSource) cached(key string) (cacheEntry, bool) {
	e, ok := r.cache.Get(key)
	if ok && r.cacheTTL > 0 && r.now().After(e.expiresAt) {
		r.cache.Remove(key)
		ok = false
	}
	if r.metrics != nil {
		if ok {
			r.metrics.RecordPayloadCacheHit()
		} else {
			r.metrics.RecordPayloadCacheMiss()
		}
	}
	return e, ok
}

func (r *RemoteSource) store(key string, e cacheEntry) {
	e.expiresAt = r.now().Add(r.cacheTTL)
	r.cache.Add(key, e)
}

// fetch GETs u with retries and decodes the JSON response into out.
func (r *RemoteSource) fetch(ctx context.Context, endpoint, u, id string, out any) (err error) {
	ctx, span := observability.StartRemoteSpan(ctx, endpoint, id)
	defer func() { observability.EndSpan(span, err) }()

	maxAttempts := r.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		status int
		body   []byte
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.RecordRemoteRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(r.retry, attempt)):
			}
		}

		status, body, err = r.executeOnce(ctx, endpoint, http.MethodGet, u, nil)
		if err != nil {
			if !isRetryableError(err) {
				return err
			}
			r.logger.Debug("remote: retrying after error",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}
		if isRetryableStatus(status) && attempt < maxAttempts-1 {
			r.logger.Debug("remote: retrying after status",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", status),
			)
			continue
		}
		break
	}
	if err != nil {
		return err
	}
	if err := statusError(status, id); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", endpoint, err)
	}
	return nil
}

// executeOnce performs a single request with circuit breaker protection.
func (r *RemoteSource) executeOnce(ctx context.Context, endpoint, method, u string, payload []byte) (int, []byte, error) {
	if err := r.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header = buildRequestHeaders(ctx, method)

	start := r.now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.RecordFailure()
		r.observe(endpoint, 0, start)
		if isConnectionError(err) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		if ctx.Err() != nil {
			return 0, nil, model.NewBackendTimeoutError()
		}
		return 0, nil, fmt.Errorf("remote: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	r.observe(endpoint, resp.StatusCode, start)
	if err != nil {
		r.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("remote: read response: %w", err)
	}

	// 4xx responses are not infrastructure failures.
	if isServerError(resp.StatusCode) {
		r.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		r.breaker.RecordSuccess()
	}
	return resp.StatusCode, respBody, nil
}

func (r *RemoteSource) observe(endpoint string, status int, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordRemoteRequest(endpoint, status, r.now().Sub(start))
	}
}

func buildRequestHeaders(ctx context.Context, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost {
		h.Set("Content-Type", "application/json")
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// statusError maps a non-2xx upstream status to an API error.
func statusError(status int, id string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return model.NewNotFoundError(fmt.Sprintf("model %q not found", id))
	case status == http.StatusConflict:
		return model.NewConflictError(fmt.Sprintf("model %q was changed upstream", id))
	case isServerError(status):
		return model.NewBackendUnavailableError()
	default:
		return fmt.Errorf("remote: unexpected status %d for %q", status, id)
	}
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Breaker open and timeout envelopes are final.
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
