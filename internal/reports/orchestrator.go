// Package reports serves provider reports through the response cache.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/metrics"
	"github.com/blogkit/sitekit/internal/providers"
)

// DefaultTTL is how long a fetched report is served from cache
const DefaultTTL = time.Hour

// ResponseCache stores provider payloads keyed by (provider, cache key)
type ResponseCache interface {
	Get(ctx context.Context, provider core.Provider, key string) (*core.CacheEntry, error)
	Put(ctx context.Context, entry *core.CacheEntry) error
}

// Fetcher runs one adapter; providers.Executor implements it
type Fetcher interface {
	FetchReport(ctx context.Context, a providers.Adapter, params core.ReportParams) (json.RawMessage, error)
}

// FetchFunc produces a fresh payload on a cache miss
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Result is a report payload with its cache provenance
type Result struct {
	Provider  core.Provider   `json:"provider"`
	Payload   json.RawMessage `json:"data"`
	Cached    bool            `json:"cached"`
	CachedAt  *time.Time      `json:"cached_at,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Orchestrator implements cache-aside over the response cache
type Orchestrator struct {
	cache    ResponseCache
	fetcher  Fetcher
	registry *providers.Registry
	ttl      time.Duration
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. A zero ttl uses DefaultTTL.
func NewOrchestrator(cache ResponseCache, fetcher Fetcher, registry *providers.Registry, ttl time.Duration) *Orchestrator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Orchestrator{
		cache:    cache,
		fetcher:  fetcher,
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source (for testing)
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// TTL returns the cache lifetime of fetched reports
func (o *Orchestrator) TTL() time.Duration {
	return o.ttl
}

// Report validates params and serves the provider's report through the cache
func (o *Orchestrator) Report(ctx context.Context, provider core.Provider, params core.ReportParams) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	adapter, err := o.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	params = providers.Normalize(adapter, params)

	return o.GetOrFetch(ctx, provider, params, func(ctx context.Context) (json.RawMessage, error) {
		return o.fetcher.FetchReport(ctx, adapter, params)
	})
}

// GetOrFetch returns the live cached payload or calls fetch and caches its result.
// Failed fetches are never cached and stale entries are never served.
// Cache failures are logged and treated as misses.
func (o *Orchestrator) GetOrFetch(ctx context.Context, provider core.Provider, params core.ReportParams, fetch FetchFunc) (*Result, error) {
	now := o.now()
	key := KeyFor(provider, params, now)
	log := logging.WithFields(map[string]interface{}{
		"provider":  string(provider),
		"cache_key": key,
	})

	entry, err := o.cache.Get(ctx, provider, key)
	switch {
	case err == nil && entry.Live(now):
		metrics.CacheLookups.WithLabelValues(string(provider), "hit").Inc()
		fetchedAt := entry.FetchedAt
		return &Result{
			Provider:  provider,
			Payload:   entry.Payload,
			Cached:    true,
			CachedAt:  &fetchedAt,
			ExpiresAt: entry.ExpiresAt,
		}, nil
	case err == nil, errors.Is(err, core.ErrCacheMiss):
		metrics.CacheLookups.WithLabelValues(string(provider), "miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(string(provider), "error").Inc()
		log.WithError(err).Warn("cache read failed, fetching fresh")
	}

	start := o.now()
	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	fetchedAt := o.now()

	fresh := &core.CacheEntry{
		Provider:        provider,
		CacheKey:        key,
		Payload:         payload,
		FetchedAt:       fetchedAt,
		ExpiresAt:       fetchedAt.Add(o.ttl),
		FetchDurationMs: fetchedAt.Sub(start).Milliseconds(),
		SizeBytes:       int64(len(payload)),
	}
	if err := o.cache.Put(ctx, fresh); err != nil {
		log.WithError(err).Warn("cache write failed")
	}

	return &Result{
		Provider:  provider,
		Payload:   payload,
		Cached:    false,
		ExpiresAt: fresh.ExpiresAt,
	}, nil
}
