// Package proxy forwards gateway requests to their resolved upstream
// services. A single Forwarder carries the shared HTTP/1.1 and HTTP/2
// transports; the upstream base URL is chosen per request, since it comes
// from either static configuration or the dynamic service registry.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/reqctx"
	"golang.org/x/net/http2"
)

// hopByHopHeaders are stripped before forwarding, per RFC 9110 §7.6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays requests to upstream services over pooled transports.
type Forwarder struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewForwarder builds a forwarder from the upstream transport settings.
func NewForwarder(cfg config.UpstreamConfig, logger *slog.Logger) *Forwarder {
	timeout := config.MustParseDuration(cfg.Timeout, 30*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 10*time.Second)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     false, // HTTP/2 is handled by the h2 transport.
	}
	if cfg.TLSInsecureVerify {
		h1.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Operator opt-in for internal certs.
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}

	return &Forwarder{
		client: &http.Client{
			Transport: &protocolAwareTransport{http1: h1, http2: h2},
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "proxy"),
		timeout: timeout,
	}
}

// Forward sends the request to the upstream at baseURL and returns the
// upstream response. The caller owns the response body. The request path
// is rewritten to the upstream's expected form, hop-by-hop headers are
// stripped, correlation/trace headers are stamped, and the verified
// identity is injected as x-user-sub and x-user-claims.
func (f *Forwarder) Forward(ctx context.Context, baseURL string, r *http.Request, rc *reqctx.RequestContext, ac *reqctx.AuthContext) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	target := strings.TrimSuffix(baseURL, "/") + RewriteUpstreamPath(r.URL.Path, rc.Service)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	upstream, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	upstream.ContentLength = r.ContentLength
	// Preserve the inbound protocol so HTTP/2 requests stay on HTTP/2.
	upstream.Proto = r.Proto
	upstream.ProtoMajor = r.ProtoMajor
	upstream.ProtoMinor = r.ProtoMinor

	copyHeaders(upstream.Header, r.Header)
	rc.Stamp(upstream.Header)
	if ac != nil {
		if ac.Subject != "" {
			upstream.Header.Set("x-user-sub", ac.Subject)
		}
		if claims, err := json.Marshal(ac.Claims); err == nil {
			upstream.Header.Set("x-user-claims", string(claims))
		}
	}

	resp, err := f.client.Do(upstream) //nolint:bodyclose // Caller owns the body.
	if err != nil {
		cancel()
		f.logger.Error("upstream request failed",
			"service", rc.Service,
			"correlation_id", rc.CorrelationID,
			"error", err)
		return nil, err
	}

	// Tie the body's lifetime to the per-request timeout.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}

	f.logger.Info("upstream response",
		"correlation_id", rc.CorrelationID,
		"trace_id", rc.TraceID,
		"service", rc.Service,
		"status", resp.StatusCode)
	return resp, nil
}

// RewriteUpstreamPath maps a gateway path onto the upstream's path space.
// auth, countries, and redis keep their segment prefix; the remaining
// services expect the segment collapsed away. Paths that do not match the
// table pass through unchanged.
func RewriteUpstreamPath(path, service string) string {
	segment, rest, ok := splitAPIPath(path)
	if !ok {
		return path
	}

	switch {
	case segment == "auth" && service == "auth-service":
		return "/api/auth" + rest
	case segment == "countries" && service == "location-service":
		return "/api/countries" + rest
	case segment == "redis" && service == "redis-service":
		return "/api/redis" + rest
	}

	if collapsedSegments[segment] == service {
		return "/api" + rest
	}
	return path
}

// collapsedSegments maps gateway path segments to the services whose
// upstream paths drop the segment.
var collapsedSegments = map[string]string{
	"rate-limit":    "rate-limiter-service",
	"security":      "security-service",
	"reviews":       "reviews-service",
	"notifications": "notification-service",
	"documents":     "document-validation-service",
	"info":          "info-on-arrival-service",
	"bookings":      "booking-service",
}

// splitAPIPath breaks "/api/<segment>/<rest...>" into segment and "/<rest>".
func splitAPIPath(path string) (segment, rest string, ok bool) {
	trimmed, found := strings.CutPrefix(path, "/api/")
	if !found {
		return "", "", false
	}
	segment, tail, found := strings.Cut(trimmed, "/")
	if found && tail != "" {
		rest = "/" + tail
	}
	return segment, rest, true
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
}

// protocolAwareTransport forwards requests that arrived over HTTP/2 via the
// h2c transport so the protocol is preserved end-to-end; HTTP/1.1 requests
// use the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

// cancelBody releases the request's timeout context when the response body
// is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
