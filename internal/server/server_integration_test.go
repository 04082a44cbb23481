package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/camino-platform/gateway/internal/config"
)

func TestServerRunAndShutdown(t *testing.T) {
	t.Run("starts and stops gracefully", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testServerConfig(mr)
		cfg.Server.Address = ":0"
		cfg.Admin.Address = ":0"

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Give server time to start.
		time.Sleep(200 * time.Millisecond)

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	})
}

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startServer runs srv and waits until its admin listener answers.
func startServer(t *testing.T, srv *Server, adminAddr string) (cancel func(), done chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "admin server did not become ready")

	return cancelCtx, done
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Run("admin probes and metrics are accessible", func(t *testing.T) {
		mr := miniredis.RunT(t)
		mainAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := testServerConfig(mr)
		cfg.Server.Address = mainAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 2 * time.Second}

		respS, err := client.Get("http://" + adminAddr + "/startz")
		require.NoError(t, err)
		defer respS.Body.Close()
		assert.Equal(t, http.StatusOK, respS.StatusCode)

		var startBody map[string]string
		require.NoError(t, json.NewDecoder(respS.Body).Decode(&startBody))
		assert.Equal(t, "started", startBody["status"])

		resp, err := client.Get("http://" + adminAddr + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alive", body["status"])

		resp2, err := client.Get("http://" + adminAddr + "/readyz")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		resp3, err := client.Get("http://" + adminAddr + "/metrics")
		require.NoError(t, err)
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
		metricsBody, _ := io.ReadAll(resp3.Body)
		assert.Contains(t, string(metricsBody), "gateway_requests_allowed_total")

		// The main listener serves the gateway health route itself.
		resp4, err := client.Get("http://" + mainAddr + "/health")
		require.NoError(t, err)
		defer resp4.Body.Close()
		assert.Equal(t, http.StatusOK, resp4.StatusCode)
		gwBody, _ := io.ReadAll(resp4.Body)
		assert.JSONEq(t, `{"status":"healthy","service":"gateway"}`, string(gwBody))

		cancel()
		<-done
	})
}

func TestServerRoutesTraffic(t *testing.T) {
	t.Run("relays a request to the resolved upstream", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Upstream", "true")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "hello from bookings")
		}))
		defer upstream.Close()

		mainAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		mr := miniredis.RunT(t)
		cfg := testServerConfig(mr)
		cfg.Server.Address = mainAddr
		cfg.Admin.Address = adminAddr
		cfg.Services = map[string]config.ServiceConfig{
			"booking-service": {URL: upstream.URL},
		}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + mainAddr + "/api/bookings/1")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Upstream"))
		assert.NotEmpty(t, resp.Header.Get("x-correlation-id"))
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "hello from bookings", string(body))

		cancel()
		<-done
	})
}

func TestServerTLSHTTP2(t *testing.T) {
	t.Run("negotiates HTTP/2 over TLS without h2c conflict", func(t *testing.T) {
		// The upstream must support h2c because the forwarder's
		// protocol-aware transport relays HTTP/2 requests with
		// prior-knowledge h2c.
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Upstream", "true")
			fmt.Fprint(w, "ok")
		})
		h2cUpstream := httptest.NewUnstartedServer(h2c.NewHandler(handler, &http2.Server{}))
		h2cUpstream.Start()
		defer h2cUpstream.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		mainAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		mr := miniredis.RunT(t)
		cfg := testServerConfig(mr)
		cfg.Server.Address = mainAddr
		cfg.Admin.Address = adminAddr
		cfg.Services = map[string]config.ServiceConfig{
			"booking-service": {URL: h2cUpstream.URL},
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certFile
		cfg.Server.TLS.KeyFile = keyFile

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		tr := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		require.NoError(t, http2.ConfigureTransport(tr))
		tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

		resp, err := tlsClient.Get("https://" + mainAddr + "/api/bookings/1")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Upstream"))
		assert.Equal(t, "ok", string(body))

		cancel()
		<-done
	})

	t.Run("cleartext still serves HTTP/1.1 through the h2c handler", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
		}))
		defer upstream.Close()

		mainAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		mr := miniredis.RunT(t)
		cfg := testServerConfig(mr)
		cfg.Server.Address = mainAddr
		cfg.Admin.Address = adminAddr
		cfg.Services = map[string]config.ServiceConfig{
			"booking-service": {URL: upstream.URL},
		}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		cancel, done := startServer(t, srv, adminAddr)
		defer cancel()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + mainAddr + "/api/bookings/1")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "ok", string(body))

		cancel()
		<-done
	})
}
