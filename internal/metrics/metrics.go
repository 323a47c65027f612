// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitekit"

// Registry is the registry served by Handler
var Registry = prometheus.NewRegistry()

var (
	// TokenRefreshes counts upstream refresh attempts by result (success, failure)
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oauth",
		Name:      "token_refreshes_total",
		Help:      "Access token refresh attempts against the token endpoint.",
	}, []string{"result"})

	// TokenReuse counts EnsureValidToken calls served from the stored token
	TokenReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oauth",
		Name:      "token_reuse_total",
		Help:      "Token requests answered without contacting the token endpoint.",
	})

	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Provider API calls by provider and outcome.",
	}, []string{"provider", "result"})

	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Provider API call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// CacheLookups counts report cache lookups by result (hit, miss, error)
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Report cache lookups.",
	}, []string{"provider", "result"})

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evicted_entries_total",
		Help:      "Expired report cache entries removed by garbage collection.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TokenRefreshes,
		TokenReuse,
		ProviderRequests,
		ProviderLatency,
		CacheLookups,
		CacheEvictions,
		HTTPRequests,
	)
}

// Handler serves the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
