// Package reqctx builds the per-request context: correlation and trace
// IDs, the resolved backend service name, and the effective policy for
// that service. Building a request context never fails; requests outside
// /api resolve to the "unknown" service and keep the default policy.
package reqctx

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/camino-platform/gateway/internal/config"
)

const (
	// CorrelationIDHeader carries the correlation ID end to end.
	CorrelationIDHeader = "x-correlation-id"
	// TraceIDHeader carries the trace ID end to end.
	TraceIDHeader = "x-trace-id"

	// ServiceUnknown is the resolution result for requests outside /api.
	ServiceUnknown = "unknown"

	maxIDLength = 128
)

// serviceTable maps the first /api path segment to the backend service
// name. Segments not listed here resolve to themselves, so dynamically
// registered services route without a table entry.
var serviceTable = map[string]string{
	"auth":          "auth-service",
	"countries":     "location-service",
	"redis":         "redis-service",
	"rate-limit":    "rate-limiter-service",
	"security":      "security-service",
	"reviews":       "reviews-service",
	"notifications": "notification-service",
	"documents":     "document-validation-service",
	"info":          "info-on-arrival-service",
	"bookings":      "booking-service",
}

// RequestContext carries the identifiers and effective policy for one
// request through the pipeline.
type RequestContext struct {
	CorrelationID string
	TraceID       string

	// Service is the resolved backend service name, "unknown" outside /api.
	Service string

	// Segment is the raw first /api path segment ("" outside /api). The
	// proxy needs it to rebuild the upstream path.
	Segment string

	// Policy is the effective policy for Service: defaults with the
	// service override applied.
	Policy config.Policy
}

// AuthContext is the verified identity attached to a request after JWT
// verification succeeds.
type AuthContext struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	Roles     []string

	// Claims is the flattened claim set forwarded upstream as
	// x-user-claims. Values are stringified.
	Claims map[string]string
}

// New builds the request context from the incoming request and the
// current configuration.
func New(r *http.Request, cfg *config.Config) *RequestContext {
	segment, service := ResolveService(r.URL.Path)
	return &RequestContext{
		CorrelationID: headerOrNewID(r, CorrelationIDHeader),
		TraceID:       headerOrNewID(r, TraceIDHeader),
		Service:       service,
		Segment:       segment,
		Policy:        cfg.ServicePolicy(service),
	}
}

// ResolveService maps a request path to (first /api segment, backend
// service name). Paths outside /api yield ("", "unknown"); an unlisted
// segment resolves to itself.
func ResolveService(path string) (segment, service string) {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return "", ServiceUnknown
	}
	segment = rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		segment = rest[:i]
	}
	if segment == "" {
		return "", ServiceUnknown
	}
	if mapped, ok := serviceTable[segment]; ok {
		return segment, mapped
	}
	return segment, segment
}

// headerOrNewID returns the inbound header value when it is present and
// well-formed, otherwise a fresh UUIDv4.
func headerOrNewID(r *http.Request, header string) string {
	if v := r.Header.Get(header); ValidID(v) {
		return v
	}
	return uuid.NewString()
}

// ValidID reports whether an inbound correlation/trace ID is safe to
// propagate: non-empty, bounded, and limited to [A-Za-z0-9._:-]. Anything
// else is replaced rather than echoed back.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

type ctxKey int

const (
	requestContextKey ctxKey = iota
	authContextKey
)

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext returns the RequestContext attached to ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}

// WithAuth attaches a verified identity to ctx.
func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// AuthFromContext returns the verified identity attached to ctx, or nil
// when the request was not authenticated.
func AuthFromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey).(*AuthContext)
	return ac
}

// Identity returns the rate-limit identity for the request per policy:
// the token subject (or "anon" when unauthenticated) or the correlation
// ID.
func (rc *RequestContext) Identity(ac *AuthContext) string {
	if rc.Policy.RateLimit.Key == config.RateLimitKeyCorrelationID {
		return rc.CorrelationID
	}
	if ac == nil || ac.Subject == "" {
		return "anon"
	}
	return ac.Subject
}

// Subject returns the cache-scoping subject: the verified token subject
// or "anon".
func Subject(ac *AuthContext) string {
	if ac == nil || ac.Subject == "" {
		return "anon"
	}
	return ac.Subject
}

// Stamp writes the correlation and trace headers onto h, replacing any
// inbound values.
func (rc *RequestContext) Stamp(h http.Header) {
	h.Set(CorrelationIDHeader, rc.CorrelationID)
	h.Set(TraceIDHeader, rc.TraceID)
}
