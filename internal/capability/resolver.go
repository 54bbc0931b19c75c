// Package capability resolves and caches the capabilities a caller holds on
// the model management API.
package capability

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pitabwire/modelmgmt/model"
)

// defaultMaxEntries bounds the cache when no size is configured.
const defaultMaxEntries = 10000

// CacheMetrics observes capability cache lookups.
type CacheMetrics interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with a bounded LRU cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	cache     *lru.Cache[string, cacheEntry]
	metrics   CacheMetrics
	now       func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheMetrics records cache hits and misses.
func WithCacheMetrics(m CacheMetrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a new Resolver with the given evaluator, cache TTL and
// maximum number of cached subjects. A non-positive maxEntries uses the
// default size.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int, opts ...ResolverOption) *Resolver {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	cache, _ := lru.New[string, cacheEntry](maxEntries)

	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     cache,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(subjectID, tenantID string) string {
	return subjectID + ":" + tenantID + ":"
}

// Resolve returns the full capability set for the given context. Results are
// cached per subject and tenant for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx.SubjectID, rctx.TenantID) + strings.Join(rctx.Roles, ",")

	if entry, ok := r.cache.Get(key); ok && r.now().Before(entry.expires) {
		if r.metrics != nil {
			r.metrics.RecordCapabilityCacheHit()
		}
		return entry.caps, nil
	}
	if r.metrics != nil {
		r.metrics.RecordCapabilityCacheMiss()
	}

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, cacheEntry{caps: caps, expires: r.now().Add(r.ttl)})
	return caps, nil
}

// Invalidate clears cached capabilities for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := cacheKey(subjectID, tenantID)
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}

// Sync refreshes the evaluator's policy and drops every cached set.
func (r *Resolver) Sync() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.cache.Purge()
	return nil
}
