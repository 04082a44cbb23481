// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the pipeline hot path.
type Metrics struct {
	// Atomic counters for hot-path reads (no mutex, no allocation).
	allowed         int64
	limited         int64
	authDenied      int64
	authErrors      int64
	cacheHits       int64
	cacheMisses     int64
	breakerRejected int64
	redisErrors     int64
	eventsDropped   int64

	promAllowed         prometheus.Counter
	promLimited         prometheus.Counter
	promAuthDenied      prometheus.Counter
	promAuthErrors      prometheus.Counter
	promCacheHits       prometheus.Counter
	promCacheMisses     prometheus.Counter
	promCacheStores     prometheus.Counter
	promCacheSkips      prometheus.Counter
	promBreakerRejected prometheus.Counter
	promBreakerOpens    prometheus.Counter
	promBreakerCloses   prometheus.Counter
	promUpstreamErrors  prometheus.Counter
	promUnknownService  prometheus.Counter
	promRedisErrors     prometheus.Counter
	promEventsDropped   prometheus.Counter

	// PromRequestDuration is labeled by service and status code. Services
	// are a bounded set, so labels are safe from cardinality explosions.
	PromRequestDuration *prometheus.HistogramVec

	// PromStageDuration tracks time spent per pipeline stage.
	PromStageDuration *prometheus.HistogramVec

	// PromCacheBodySize observes stored response body sizes.
	PromCacheBodySize prometheus.Histogram

	promServiceAllowed *prometheus.CounterVec
	promServiceLimited *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_allowed_total",
			Help:      "Total requests that passed the full policy pipeline.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_limited_total",
			Help:      "Total requests rejected by rate limiting.",
		}),
		promAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "auth_denied_total",
			Help:      "Total requests denied by token verification or policy.",
		}),
		promAuthErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "auth_errors_total",
			Help:      "Total auth verifier errors (discovery, JWKS fetch).",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_hits_total",
			Help:      "Total responses served from the response cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_misses_total",
			Help:      "Total cache lookups that missed.",
		}),
		promCacheStores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_stores_total",
			Help:      "Total responses written to the response cache.",
		}),
		promCacheSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "cache_skips_total",
			Help:      "Total cacheable responses skipped (size cap).",
		}),
		promBreakerRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "breaker_rejected_total",
			Help:      "Total requests rejected by an open circuit breaker.",
		}),
		promBreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "breaker_opens_total",
			Help:      "Total circuit breaker open transitions.",
		}),
		promBreakerCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "breaker_closes_total",
			Help:      "Total circuit breaker close transitions.",
		}),
		promUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_errors_total",
			Help:      "Total upstream forwarding failures.",
		}),
		promUnknownService: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "unknown_service_total",
			Help:      "Total requests for services with no configured or registered upstream.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "redis_errors_total",
			Help:      "Total Redis errors encountered.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "events_dropped_total",
			Help:      "Total decision events dropped to buffer overflow.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "status_code"}),
		PromStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),
		PromCacheBodySize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "cache_body_size_bytes",
			Help:      "Distribution of stored response body sizes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		promServiceAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "service_requests_allowed_total",
			Help:      "Total requests allowed per service.",
		}, []string{"service"}),
		promServiceLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "service_requests_limited_total",
			Help:      "Total requests rate-limited per service.",
		}, []string{"service"}),
	}

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncAuthDenied increments the auth denied counter.
func (m *Metrics) IncAuthDenied() {
	atomic.AddInt64(&m.authDenied, 1)
	m.promAuthDenied.Inc()
}

// IncAuthErrors increments the auth verifier error counter.
func (m *Metrics) IncAuthErrors() {
	atomic.AddInt64(&m.authErrors, 1)
	m.promAuthErrors.Inc()
}

// IncCacheHits increments the cache hit counter.
func (m *Metrics) IncCacheHits() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMisses increments the cache miss counter.
func (m *Metrics) IncCacheMisses() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncCacheStores increments the cache store counter.
func (m *Metrics) IncCacheStores() { m.promCacheStores.Inc() }

// IncCacheSkips increments the cache skip counter.
func (m *Metrics) IncCacheSkips() { m.promCacheSkips.Inc() }

// IncBreakerRejected increments the breaker rejection counter.
func (m *Metrics) IncBreakerRejected() {
	atomic.AddInt64(&m.breakerRejected, 1)
	m.promBreakerRejected.Inc()
}

// IncBreakerOpens increments the breaker open-transition counter.
func (m *Metrics) IncBreakerOpens() { m.promBreakerOpens.Inc() }

// IncBreakerCloses increments the breaker close-transition counter.
func (m *Metrics) IncBreakerCloses() { m.promBreakerCloses.Inc() }

// IncUpstreamErrors increments the upstream failure counter.
func (m *Metrics) IncUpstreamErrors() { m.promUpstreamErrors.Inc() }

// IncUnknownService increments the unknown-service counter.
func (m *Metrics) IncUnknownService() { m.promUnknownService.Inc() }

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncEventsDropped increments the dropped-events counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// IncServiceAllowed increments the per-service allowed counter.
func (m *Metrics) IncServiceAllowed(service string) {
	m.promServiceAllowed.WithLabelValues(service).Inc()
}

// IncServiceLimited increments the per-service rate-limited counter.
func (m *Metrics) IncServiceLimited(service string) {
	m.promServiceLimited.WithLabelValues(service).Inc()
}

// ObserveCacheBodySize records a stored body size.
func (m *Metrics) ObserveCacheBodySize(n float64) {
	m.PromCacheBodySize.Observe(n)
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed         int64
	Limited         int64
	AuthDenied      int64
	AuthErrors      int64
	CacheHits       int64
	CacheMisses     int64
	BreakerRejected int64
	RedisErrors     int64
	EventsDropped   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:         atomic.LoadInt64(&m.allowed),
		Limited:         atomic.LoadInt64(&m.limited),
		AuthDenied:      atomic.LoadInt64(&m.authDenied),
		AuthErrors:      atomic.LoadInt64(&m.authErrors),
		CacheHits:       atomic.LoadInt64(&m.cacheHits),
		CacheMisses:     atomic.LoadInt64(&m.cacheMisses),
		BreakerRejected: atomic.LoadInt64(&m.breakerRejected),
		RedisErrors:     atomic.LoadInt64(&m.redisErrors),
		EventsDropped:   atomic.LoadInt64(&m.eventsDropped),
	}
}
