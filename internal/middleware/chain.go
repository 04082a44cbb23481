// Package middleware implements the per-request pipeline: request
// context → circuit-breaker precheck → authentication → rate limiting →
// response cache → upstream forward → breaker record → cache store.
// Any stage's rejection short-circuits to a security-headers-stamped
// JSON error; later stages never run.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/camino-platform/gateway/internal/auth"
	"github.com/camino-platform/gateway/internal/breaker"
	"github.com/camino-platform/gateway/internal/cache"
	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/events"
	"github.com/camino-platform/gateway/internal/observability"
	"github.com/camino-platform/gateway/internal/proxy"
	"github.com/camino-platform/gateway/internal/ratelimit"
	"github.com/camino-platform/gateway/internal/redis"
	"github.com/camino-platform/gateway/internal/registry"
	"github.com/camino-platform/gateway/internal/reqctx"
)

var tracer = otel.Tracer("gateway.middleware")

// relayDenyHeaders are hop-by-hop headers that must not be copied from
// the upstream response to the client.
var relayDenyHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Pipeline is the gateway's main http.Handler. It owns the per-stage
// components and sequences them for every /api request; the gateway
// plane (health, languages, service registry) is handled before the
// pipeline proper.
type Pipeline struct {
	cfg     atomic.Pointer[config.Config]
	logger  *slog.Logger
	metrics *observability.Metrics

	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	cache    *cache.Store
	registry *registry.Registry

	// forwarder is swapped atomically when a reload changes the
	// upstream transport settings.
	forwarder atomic.Pointer[proxy.Forwarder]

	emitterMu sync.Mutex
	emitter   *events.Emitter

	store redis.Client
}

// New wires the pipeline onto a shared Redis client. The client's
// lifecycle belongs to the caller; Close releases everything else.
func New(cfg *config.Config, store redis.Client, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	p := &Pipeline{
		logger:   logger,
		metrics:  metrics,
		verifier: auth.NewVerifier(store, logger.With("component", "auth")),
		limiter:  ratelimit.NewLimiter(store, logger.With("component", "ratelimit")),
		breaker:  breaker.New(store, logger.With("component", "breaker")),
		registry: registry.New(store, logger.With("component", "registry")),
		store:    store,
	}
	p.cfg.Store(cfg)
	p.forwarder.Store(proxy.NewForwarder(cfg.Upstream, logger.With("component", "proxy")))

	p.cache = cache.NewStore(store, cache.WithLogger(logger.With("component", "cache")))
	p.cache.OnHit = metrics.IncCacheHits
	p.cache.OnMiss = metrics.IncCacheMisses
	p.cache.OnStore = metrics.IncCacheStores
	p.cache.OnSkip = metrics.IncCacheSkips
	p.cache.OnBodySize = metrics.ObserveCacheBodySize

	p.breaker.OnOpen = func(service string) {
		metrics.IncBreakerOpens()
		p.emit(events.Event{Type: events.TypeBreakerOpen, Service: service})
	}
	p.breaker.OnClose = func(service string) {
		metrics.IncBreakerCloses()
		p.emit(events.Event{Type: events.TypeBreakerClose, Service: service})
	}

	em := events.NewEmitter(cfg.Events, store, logger.With("component", "events"))
	if em != nil {
		em.OnDropped = metrics.IncEventsDropped
	}
	p.emitter = em

	logger.Info("pipeline ready",
		"services", len(cfg.Services),
		"auth", cfg.Defaults.Auth.Enabled,
		"rate_limit", cfg.Defaults.RateLimit.Enabled,
		"events", cfg.Events.Enabled)

	return p
}

// emit hands an event to the emitter, which is nil-safe and never
// blocks the request path.
func (p *Pipeline) emit(ev events.Event) {
	p.emitterMu.Lock()
	em := p.emitter
	p.emitterMu.Unlock()
	em.Emit(ev)
}

// statusWriter captures the status code written downstream so the
// request duration histogram can be labeled by it.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP routes gateway-plane paths and runs the pipeline for
// everything else.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := p.cfg.Load()

	rc := reqctx.New(r, cfg)
	r = r.WithContext(reqctx.WithRequestContext(r.Context(), rc))

	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false
	defer func() {
		p.metrics.PromRequestDuration.WithLabelValues(
			rc.Service,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	rc.Stamp(sw.Header())

	// CORS preflight never reaches auth or the upstream.
	if r.Method == http.MethodOptions {
		ApplySecurityHeaders(sw.Header(), rc.Policy.SecurityHeaders)
		sw.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == "/health" || r.URL.Path == "/api/health":
		p.serveHealth(sw, rc)
		return
	case r.URL.Path == "/api/gateway/camino-languages":
		p.serveLanguages(sw, rc)
		return
	case r.URL.Path == "/api/services/register" && r.Method == http.MethodPost:
		p.serveRegister(sw, r, rc)
		return
	case r.URL.Path == "/api/services" && r.Method == http.MethodGet:
		p.serveListServices(sw, r, rc)
		return
	}

	p.serve(sw, r, rc)
}

// serve runs the proxied-request pipeline in its fixed stage order.
func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext) {
	if rc.Policy.CircuitBreaker.Enabled && !p.precheckBreaker(w, r, rc) {
		return
	}

	ac, ok := p.authenticate(w, r, rc)
	if !ok {
		return
	}
	if ac != nil {
		r = r.WithContext(reqctx.WithAuth(r.Context(), ac))
	}

	if rc.Policy.RateLimit.Enabled && !p.enforceRateLimit(w, r, rc, ac) {
		return
	}
	p.metrics.IncAllowed()
	p.metrics.IncServiceAllowed(rc.Service)

	subject := reqctx.Subject(ac)
	if rc.Policy.Cache.Enabled && p.serveCached(w, r, rc, subject) {
		return
	}

	baseURL, ok := p.resolveUpstream(r.Context(), rc.Service)
	if !ok {
		p.metrics.IncUnknownService()
		writeRejection(w, rc, http.StatusNotFound, errUnknownService,
			fmt.Sprintf("no upstream configured or registered for service %q", rc.Service))
		return
	}

	ctx, span := tracer.Start(r.Context(), "gateway.proxy")
	span.SetAttributes(
		attribute.String("gateway.service", rc.Service),
		attribute.String("gateway.subject", subject),
	)
	forwardStart := time.Now()
	resp, err := p.forwarder.Load().Forward(ctx, baseURL, r, rc, ac)
	p.metrics.PromStageDuration.WithLabelValues("proxy").Observe(time.Since(forwardStart).Seconds())
	span.End()

	if err != nil {
		p.metrics.IncUpstreamErrors()
		if rc.Policy.CircuitBreaker.Enabled {
			// A transport failure counts against the breaker like the
			// 502 the caller is about to see.
			if recErr := p.breaker.Record(r.Context(), rc.Service, http.StatusBadGateway, rc.Policy.CircuitBreaker); recErr != nil {
				p.logger.Warn("breaker record failed", "service", rc.Service, "error", recErr)
			}
		}
		writeRejection(w, rc, http.StatusBadGateway, errBadGateway, "upstream request failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if rc.Policy.CircuitBreaker.Enabled {
		if recErr := p.breaker.Record(r.Context(), rc.Service, resp.StatusCode, rc.Policy.CircuitBreaker); recErr != nil {
			p.logger.Warn("breaker record failed", "service", rc.Service, "error", recErr)
		}
	}

	p.relay(w, r, rc, resp, subject)
}

// precheckBreaker returns false when the breaker denies the request
// (the rejection is already written). Store unavailability fails closed.
func (p *Pipeline) precheckBreaker(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext) bool {
	ctx, span := tracer.Start(r.Context(), "gateway.breaker")
	defer span.End()
	stageStart := time.Now()
	defer func() {
		p.metrics.PromStageDuration.WithLabelValues("breaker").Observe(time.Since(stageStart).Seconds())
	}()

	d, err := p.breaker.Precheck(ctx, rc.Service, rc.Policy.CircuitBreaker)
	if err != nil {
		p.metrics.IncRedisErrors()
		p.logger.Error("breaker state unavailable", "service", rc.Service,
			"correlation_id", rc.CorrelationID, "error", err)
		writeRejection(w, rc, http.StatusServiceUnavailable, errServiceUnavailable,
			"circuit breaker state unavailable")
		return false
	}
	if !d.Allow {
		p.metrics.IncBreakerRejected()
		w.Header().Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds()), 10))
		writeRejection(w, rc, http.StatusServiceUnavailable, errServiceUnavailable,
			"circuit breaker is "+string(d.State)+" for this service")
		return false
	}
	return true
}

// authenticate verifies the bearer token when the policy demands it.
// Returns (nil, true) for services with auth disabled.
func (p *Pipeline) authenticate(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext) (*reqctx.AuthContext, bool) {
	if !rc.Policy.Auth.Enabled {
		return nil, true
	}

	ctx, span := tracer.Start(r.Context(), "gateway.auth")
	defer span.End()
	stageStart := time.Now()
	defer func() {
		p.metrics.PromStageDuration.WithLabelValues("auth").Observe(time.Since(stageStart).Seconds())
	}()

	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		p.denyAuth(w, rc, "", http.StatusUnauthorized, errUnauthorized,
			"missing or malformed bearer token")
		return nil, false
	}

	ac, err := p.verifier.Verify(ctx, token, rc.Policy.Auth)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrForbidden):
		p.denyAuth(w, rc, "", http.StatusForbidden, errForbidden,
			"token does not satisfy the service policy")
		return nil, false
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrNoToken):
		p.logger.Info("token rejected", "service", rc.Service,
			"correlation_id", rc.CorrelationID, "error", err)
		p.denyAuth(w, rc, "", http.StatusUnauthorized, errUnauthorized,
			"token verification failed")
		return nil, false
	default:
		p.metrics.IncAuthErrors()
		p.logger.Error("token verification error", "service", rc.Service,
			"correlation_id", rc.CorrelationID, "error", err)
		writeRejection(w, rc, http.StatusUnauthorized, errUnauthorized, "token verification failed")
		return nil, false
	}

	p.emit(events.Event{
		Type:          events.TypeAuthOK,
		Service:       rc.Service,
		CorrelationID: rc.CorrelationID,
		TraceID:       rc.TraceID,
		Subject:       ac.Subject,
	})
	return ac, true
}

func (p *Pipeline) denyAuth(w http.ResponseWriter, rc *reqctx.RequestContext, subject string, status int, errName, message string) {
	p.metrics.IncAuthDenied()
	p.emit(events.Event{
		Type:          events.TypeAuthDenied,
		Service:       rc.Service,
		CorrelationID: rc.CorrelationID,
		TraceID:       rc.TraceID,
		Subject:       subject,
		Status:        status,
	})
	writeRejection(w, rc, status, errName, message)
}

// enforceRateLimit counts the request against its identity's window.
// Store unavailability fails closed; a rejected request has already
// been counted.
func (p *Pipeline) enforceRateLimit(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext, ac *reqctx.AuthContext) bool {
	ctx, span := tracer.Start(r.Context(), "gateway.ratelimit")
	defer span.End()
	stageStart := time.Now()
	defer func() {
		p.metrics.PromStageDuration.WithLabelValues("ratelimit").Observe(time.Since(stageStart).Seconds())
	}()

	identity := rc.Identity(ac)
	result, err := p.limiter.Allow(ctx, rc.Service, identity, rc.Policy.RateLimit)
	if err != nil {
		p.metrics.IncRedisErrors()
		p.logger.Error("rate limit store unreachable", "service", rc.Service,
			"correlation_id", rc.CorrelationID, "error", err)
		writeRejection(w, rc, http.StatusServiceUnavailable, errServiceUnavailable,
			"rate limit backend unavailable")
		return false
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(result.RetryAfter.Seconds()), 10))

	if !result.Allowed {
		p.metrics.IncLimited()
		p.metrics.IncServiceLimited(rc.Service)
		p.logger.Warn("rate limit exceeded", "service", rc.Service,
			"identity", identity, "current", result.Current, "max", result.Limit,
			"correlation_id", rc.CorrelationID)
		p.emit(events.Event{
			Type:          events.TypeRateLimited,
			Service:       rc.Service,
			CorrelationID: rc.CorrelationID,
			TraceID:       rc.TraceID,
			Subject:       reqctx.Subject(ac),
			Status:        http.StatusTooManyRequests,
		})
		writeRejection(w, rc, http.StatusTooManyRequests, errTooManyRequests,
			fmt.Sprintf("rate limit exceeded: %d of %d requests this window, retry in %s",
				result.Current, result.Limit, result.RetryAfter))
		return false
	}
	return true
}

// serveCached serves a cache hit and reports whether it did.
func (p *Pipeline) serveCached(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext, subject string) bool {
	ctx, span := tracer.Start(r.Context(), "gateway.cache")
	defer span.End()
	stageStart := time.Now()
	defer func() {
		p.metrics.PromStageDuration.WithLabelValues("cache").Observe(time.Since(stageStart).Seconds())
	}()

	entry, ok := p.cache.TryHit(ctx, r, rc.Service, subject, rc.Policy.Cache)
	if !ok {
		return false
	}

	h := w.Header()
	ApplySecurityHeaders(h, rc.Policy.SecurityHeaders)
	rc.Stamp(h)
	h.Set("x-cache", "HIT")
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
	return true
}

// resolveUpstream returns the base URL for a service: static config
// first, then the dynamic registry.
func (p *Pipeline) resolveUpstream(ctx context.Context, service string) (string, bool) {
	if svc, ok := p.cfg.Load().Services[service]; ok && svc.URL != "" {
		return svc.URL, true
	}
	return p.registry.Resolve(ctx, service)
}

// relay copies the upstream response to the client and feeds the cache
// when the policy allows. The upstream body is buffered only for
// cacheable responses within the size cap; everything else streams.
func (p *Pipeline) relay(w http.ResponseWriter, r *http.Request, rc *reqctx.RequestContext, resp *http.Response, subject string) {
	h := w.Header()
	for k, vv := range resp.Header {
		if _, deny := relayDenyHeaders[http.CanonicalHeaderKey(k)]; deny {
			continue
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	ApplySecurityHeaders(h, rc.Policy.SecurityHeaders)
	rc.Stamp(h)

	pol := rc.Policy.Cache
	cacheable := pol.Enabled && pol.AllowsMethod(r.Method) &&
		resp.StatusCode >= 200 && resp.StatusCode < 300

	if !cacheable {
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	var body []byte
	var err error
	if pol.MaxBodyBytes > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, pol.MaxBodyBytes+1))
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	if err != nil {
		p.logger.Warn("upstream body read failed mid-relay", "service", rc.Service,
			"correlation_id", rc.CorrelationID, "error", err)
		return
	}
	if pol.MaxBodyBytes > 0 && int64(len(body)) > pol.MaxBodyBytes {
		// Over the cap: finish streaming the tail and skip the store.
		_, _ = io.Copy(w, resp.Body)
		p.metrics.IncCacheSkips()
		return
	}

	p.cache.TryStore(r.Context(), r, rc.Service, subject, pol,
		resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

// Reload swaps in a new configuration. The policy document takes effect
// atomically for subsequent requests; the upstream transport and event
// emitter are rebuilt only when their sections changed.
func (p *Pipeline) Reload(newCfg *config.Config) {
	oldCfg := p.cfg.Load()
	p.cfg.Store(newCfg)

	if newCfg.Upstream != oldCfg.Upstream {
		p.forwarder.Store(proxy.NewForwarder(newCfg.Upstream, p.logger.With("component", "proxy")))
		p.logger.Info("upstream transport rebuilt")
	}

	if newCfg.Events != oldCfg.Events {
		em := events.NewEmitter(newCfg.Events, p.store, p.logger.With("component", "events"))
		if em != nil {
			em.OnDropped = p.metrics.IncEventsDropped
		}
		p.emitterMu.Lock()
		old := p.emitter
		p.emitter = em
		p.emitterMu.Unlock()
		if old != nil {
			_ = old.Close()
		}
	}

	p.logger.Info("pipeline reloaded", "services", len(newCfg.Services))
}

// redisPingerAdapter exposes the shared Redis client's PING for deep
// health checks.
// RedisPinger returns a Pinger probing the shared store.
func (p *Pipeline) RedisPinger() observability.Pinger {
	return observability.PingerFunc(func(ctx context.Context) error {
		return p.store.Ping(ctx).Err()
	})
}

// Close flushes the event emitter and releases the verifier's local
// caches. The shared Redis client is closed by the owner.
func (p *Pipeline) Close() error {
	p.emitterMu.Lock()
	em := p.emitter
	p.emitter = nil
	p.emitterMu.Unlock()

	var firstErr error
	if em != nil {
		firstErr = em.Close()
	}
	p.verifier.Close()
	return firstErr
}
