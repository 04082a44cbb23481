// Package cache provides an identity-scoped response cache backed by Redis.
// Caching is policy-driven: a service's cache policy names the methods that
// may be served from cache, the entry TTL, and the maximum cacheable body.
// Keys always incorporate the acting subject, so one user's cached response
// is never served to another.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/redis"
)

const keyPrefix = "cache:"

// Entry is a cached upstream response.
type Entry struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store is a response cache backed by Redis. All operations are best
// effort: a store error is a miss on lookup and a no-op on store, never a
// request failure.
type Store struct {
	client redis.Client
	logger *slog.Logger

	OnHit      func()
	OnMiss     func()
	OnStore    func()
	OnSkip     func()
	OnBodySize func(float64)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for debug messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a response cache backed by the given Redis client. The
// client is shared with the other gateway stages and is not closed here.
func NewStore(client redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key computes the cache key for a request. The key is scoped to the
// service, method, path, query string, and acting subject. When the policy
// lists vary headers, their request values are folded in between the query
// and the subject, sorted so header order never splits the key space.
func Key(service string, r *http.Request, subject string, varyHeaders []string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(service)
	b.WriteByte(':')
	b.WriteString(r.Method)
	b.WriteByte(':')
	b.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}

	if len(varyHeaders) > 0 {
		sorted := make([]string, len(varyHeaders))
		copy(sorted, varyHeaders)
		sort.Strings(sorted)
		for _, h := range sorted {
			b.WriteByte('|')
			b.WriteString(strings.ToLower(h))
			b.WriteByte('=')
			b.WriteString(r.Header.Get(h))
		}
	}

	b.WriteByte(':')
	b.WriteString(subject)
	return b.String()
}

// TryHit returns the cached response for the request, if any. Methods the
// policy does not list bypass the cache entirely and count as neither hit
// nor miss. Store errors and undecodable entries are misses.
func (s *Store) TryHit(ctx context.Context, r *http.Request, service, subject string, pol config.CachePolicy) (*Entry, bool) {
	if !pol.Enabled || !pol.AllowsMethod(r.Method) {
		return nil, false
	}

	key := Key(service, r, subject, pol.VaryHeaders)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("cache: unmarshal error", "key", key, "error", err)
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false
	}

	if s.OnHit != nil {
		s.OnHit()
	}
	return &e, true
}

// TryStore caches an upstream response when the policy allows it: listed
// method, 2xx status, body within the size cap, positive TTL. Failures are
// swallowed; caching never breaks the request path.
func (s *Store) TryStore(ctx context.Context, r *http.Request, service, subject string, pol config.CachePolicy, status int, contentType string, body []byte) {
	if !pol.Enabled || !pol.AllowsMethod(r.Method) {
		return
	}
	if status < 200 || status > 299 {
		return
	}
	ttl := time.Duration(pol.TTLSeconds) * time.Second
	if ttl <= 0 {
		return
	}
	if pol.MaxBodyBytes > 0 && int64(len(body)) > pol.MaxBodyBytes {
		if s.OnSkip != nil {
			s.OnSkip()
		}
		s.logger.Debug("cache: body too large", "service", service, "size", len(body), "max", pol.MaxBodyBytes)
		return
	}

	key := Key(service, r, subject, pol.VaryHeaders)
	data, err := json.Marshal(Entry{Status: status, ContentType: contentType, Body: body})
	if err != nil {
		s.logger.Debug("cache: marshal error", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.logger.Debug("cache: store error", "key", key, "error", err)
		return
	}

	if s.OnStore != nil {
		s.OnStore()
	}
	if s.OnBodySize != nil {
		s.OnBodySize(float64(len(body)))
	}
	s.logger.Debug("cache: stored", "key", key, "ttl", ttl, "body_size", len(body))
}
