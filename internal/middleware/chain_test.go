package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/observability"
	"github.com/camino-platform/gateway/internal/redis"
)

var testLogger = slog.Default()

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

// testProvider serves an OIDC discovery document and a JWKS endpoint
// backed by the shared test key.
type testProvider struct {
	srv *httptest.Server
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	key := signingKey(t)

	mux := http.NewServeMux()
	p := &testProvider{}
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jwks_uri":%q}`, p.srv.URL+"/keys")
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","use":"sig","kid":"t1","alg":"RS256","n":%q,"e":%q}]}`, n, e)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// mint issues an RS256 token signed by the shared test key.
func (p *testProvider) mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = p.srv.URL
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "t1"
	signed, err := tok.SignedString(signingKey(t))
	require.NoError(t, err)
	return signed
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns defaults with auth off and one static service.
func testConfig(upstreamURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Defaults.Auth.Enabled = false
	cfg.Services = map[string]config.ServiceConfig{
		"booking-service": {URL: upstreamURL},
	}
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *miniredis.Miniredis, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	m := observability.NewMetrics(prometheus.NewRegistry())
	p := New(cfg, client, testLogger, m)
	t.Cleanup(func() { _ = p.Close() })
	return p, mr, m
}

func doGet(p *Pipeline, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	return rr
}

func decodeRejection(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

// ---------------------------------------------------------------------------
// Gateway plane
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

	for _, path := range []string{"/health", "/api/health"} {
		t.Run(path, func(t *testing.T) {
			rr := doGet(p, path, nil)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.JSONEq(t, `{"status":"healthy","service":"gateway"}`, rr.Body.String())
			assert.NotEmpty(t, rr.Header().Get("x-correlation-id"))
			assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestLanguagesEndpoint(t *testing.T) {
	t.Run("serves the static language list", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))
		rr := doGet(p, "/api/gateway/camino-languages", nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		var langs []map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &langs))
		assert.GreaterOrEqual(t, len(langs), 15)
		assert.Equal(t, "es", langs[0]["code"])
		assert.Equal(t, "Español", langs[0]["name"])
	})
}

func TestOptionsPreflight(t *testing.T) {
	t.Run("short-circuits to 204 with CORS headers", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		req := httptest.NewRequest(http.MethodOptions, "/api/bookings/new", nil)
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "OPTIONS")
		assert.Empty(t, rr.Body.Bytes())
	})
}

// ---------------------------------------------------------------------------
// Proxy path
// ---------------------------------------------------------------------------

func TestPipelineForwarding(t *testing.T) {
	t.Run("relays upstream response and stamps headers", func(t *testing.T) {
		var gotPath string
		upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Header().Set("X-Upstream", "yes")
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		})
		p, _, m := newTestPipeline(t, testConfig(upstream.URL))

		rr := doGet(p, "/api/bookings/42", nil)

		assert.Equal(t, "/api/42", gotPath)
		assert.Equal(t, http.StatusTeapot, rr.Code)
		assert.Equal(t, "short and stout", rr.Body.String())
		assert.Equal(t, "yes", rr.Header().Get("X-Upstream"))
		assert.NotEmpty(t, rr.Header().Get("x-correlation-id"))
		assert.NotEmpty(t, rr.Header().Get("x-trace-id"))
		assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
		assert.Equal(t, int64(1), m.Snapshot().Allowed)
	})

	t.Run("propagates inbound correlation id", func(t *testing.T) {
		upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		p, _, _ := newTestPipeline(t, testConfig(upstream.URL))

		rr := doGet(p, "/api/bookings/1", http.Header{"X-Correlation-Id": {"corr-abc"}})
		assert.Equal(t, "corr-abc", rr.Header().Get("x-correlation-id"))
	})

	t.Run("unknown service rejects with 404", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		rr := doGet(p, "/api/ghost/x", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		body := decodeRejection(t, rr)
		assert.Equal(t, "UnknownService", body["error"])
		assert.Equal(t, "ghost", body["service"])
		assert.NotEmpty(t, body["correlation_id"])
	})

	t.Run("unreachable upstream rejects with 502", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		rr := doGet(p, "/api/bookings/1", nil)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "BadGateway", decodeRejection(t, rr)["error"])
	})

	t.Run("path outside /api rejects with 404 for unknown service", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		rr := doGet(p, "/metrics-scrape", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "unknown", decodeRejection(t, rr)["service"])
	})
}

func bytesReader(s string) io.Reader { return strings.NewReader(s) }

// ---------------------------------------------------------------------------
// Dynamic registry through the gateway plane
// ---------------------------------------------------------------------------

func TestServiceRegistration(t *testing.T) {
	t.Run("register, list, and route", func(t *testing.T) {
		var gotPath string
		upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		})
		p, mr, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		payload := fmt.Sprintf(`{"name":"payments","url":%q}`, upstream.URL)
		req := httptest.NewRequest(http.MethodPost, "/api/services/register", bytesReader(payload))
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)

		require.Equal(t, http.StatusCreated, rr.Code)
		var stored map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stored))
		assert.Equal(t, "payments", stored["name"])
		assert.NotEmpty(t, stored["registered_at"])
		assert.True(t, mr.Exists("service:payments"))

		listRR := doGet(p, "/api/services", nil)
		require.Equal(t, http.StatusOK, listRR.Code)
		var listed []map[string]string
		require.NoError(t, json.Unmarshal(listRR.Body.Bytes(), &listed))
		names := make([]string, 0, len(listed))
		for _, s := range listed {
			names = append(names, s["name"])
		}
		assert.Contains(t, names, "payments")
		assert.Contains(t, names, "booking-service")

		routeRR := doGet(p, "/api/payments/charge", nil)
		assert.Equal(t, http.StatusOK, routeRR.Code)
		assert.Equal(t, "/api/payments/charge", gotPath)
	})

	t.Run("malformed payload rejects with 400", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		req := httptest.NewRequest(http.MethodPost, "/api/services/register", bytesReader("not json"))
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid registration name rejects with 400", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))

		req := httptest.NewRequest(http.MethodPost, "/api/services/register",
			bytesReader(`{"name":"Bad Name","url":"http://x.internal:80"}`))
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "BadRequest", decodeRejection(t, rr)["error"])
	})
}

// ---------------------------------------------------------------------------
// Reload
// ---------------------------------------------------------------------------

func TestPipelineReload(t *testing.T) {
	t.Run("policy document swaps atomically", func(t *testing.T) {
		upstream := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		p, _, _ := newTestPipeline(t, testConfig(upstream.URL))

		require.Equal(t, http.StatusOK, doGet(p, "/api/bookings/1", nil).Code)

		newCfg := testConfig(upstream.URL)
		enabled := true
		var maxReq int64 = 1
		newCfg.Services["booking-service"] = config.ServiceConfig{
			URL: upstream.URL,
			Policy: config.PolicyOverride{
				RateLimit: &config.RateLimitPolicyOverride{Enabled: &enabled, MaxRequests: &maxReq},
			},
		}
		p.Reload(newCfg)

		assert.Equal(t, http.StatusOK, doGet(p, "/api/bookings/1", nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, doGet(p, "/api/bookings/1", nil).Code)
	})

	t.Run("forwarder survives reloads that keep upstream settings", func(t *testing.T) {
		p, _, _ := newTestPipeline(t, testConfig("http://127.0.0.1:1"))
		before := p.forwarder.Load()

		p.Reload(testConfig("http://127.0.0.1:1"))
		assert.Same(t, before, p.forwarder.Load())

		changed := testConfig("http://127.0.0.1:1")
		changed.Upstream.Timeout = "7s"
		p.Reload(changed)
		assert.NotSame(t, before, p.forwarder.Load())
	})
}

// ---------------------------------------------------------------------------
// Decision events
// ---------------------------------------------------------------------------

func TestPipelineEmitsEvents(t *testing.T) {
	t.Run("rate limited decision reaches the pub/sub channel", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := redis.NewClient(config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		})
		require.NoError(t, err)
		defer func() { _ = client.Close() }()

		cfg := testConfig("http://127.0.0.1:1")
		cfg.Events.Enabled = true
		cfg.Defaults.RateLimit.Enabled = true
		cfg.Defaults.RateLimit.MaxRequests = 1
		cfg.Defaults.RateLimit.WindowSeconds = 3600

		sub := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		defer func() { _ = sub.Close() }()
		pubsub := sub.Subscribe(context.Background(), cfg.Events.Channel)
		defer func() { _ = pubsub.Close() }()
		_, err = pubsub.Receive(context.Background())
		require.NoError(t, err)

		p := New(cfg, client, testLogger, observability.NewMetrics(prometheus.NewRegistry()))

		require.Equal(t, http.StatusBadGateway, doGet(p, "/api/bookings/1", nil).Code)
		require.Equal(t, http.StatusTooManyRequests, doGet(p, "/api/bookings/1", nil).Code)
		require.NoError(t, p.Close()) // drains the emitter

		select {
		case msg := <-pubsub.Channel():
			var batch struct {
				Events []map[string]any `json:"events"`
			}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &batch))
			require.NotEmpty(t, batch.Events)
			types := make([]string, 0, len(batch.Events))
			for _, ev := range batch.Events {
				types = append(types, ev["type"].(string))
			}
			assert.Contains(t, types, "rate_limited")
		case <-time.After(3 * time.Second):
			t.Fatal("no event batch published")
		}
	})
}
