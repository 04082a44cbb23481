package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camino-platform/gateway/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig(mr *miniredis.Miniredis) *config.Config {
	cfg := config.Defaults()
	cfg.Redis.Endpoints = []string{mr.Addr()}
	cfg.Defaults.Auth.Enabled = false
	cfg.Services = map[string]config.ServiceConfig{
		"booking-service": {URL: "http://booking.internal:8080"},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.pipeline.Close()
		_ = srv.store.Close()
	})
	return srv
}

func TestNew(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := newTestServer(t, testServerConfig(mr))

		assert.NotNil(t, srv.mainServer)
		assert.NotNil(t, srv.adminServer)
		assert.NotNil(t, srv.pipeline)
		assert.NotNil(t, srv.health)
		assert.NotNil(t, srv.metrics)
		assert.Nil(t, srv.http3Server)
	})

	t.Run("returns error when redis is unreachable", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
		cfg.Redis.DialTimeout = "100ms"

		_, err := New(cfg, testLogger(), "test")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connect to redis")
	})

	t.Run("builds an HTTP/3 server when enabled", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testServerConfig(mr)
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.HTTP3Enabled = true
		srv := newTestServer(t, cfg)

		assert.NotNil(t, srv.http3Server)
	})
}

func TestServerErrorLog(t *testing.T) {
	t.Run("main and admin servers have ErrorLog set", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := newTestServer(t, testServerConfig(mr))

		assert.NotNil(t, srv.mainServer.ErrorLog, "main server ErrorLog must be set")
		assert.NotNil(t, srv.adminServer.ErrorLog, "admin server ErrorLog must be set")
	})
}

func TestServerConfigAddresses(t *testing.T) {
	t.Run("uses configured server and admin addresses", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testServerConfig(mr)
		cfg.Server.Address = ":7777"
		cfg.Admin.Address = ":7778"
		srv := newTestServer(t, cfg)

		assert.Equal(t, ":7777", srv.mainServer.Addr)
		assert.Equal(t, ":7778", srv.adminServer.Addr)
	})
}

func TestTLSMinVersion(t *testing.T) {
	t.Run("returns TLS 1.3 when configured", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Server.TLS.MinVersion = config.TLSVersion13
		assert.Equal(t, uint16(tls.VersionTLS13), tlsMinVersion(cfg))
	})

	t.Run("returns TLS 1.2 by default", func(t *testing.T) {
		cfg := config.Defaults()
		assert.Equal(t, uint16(tls.VersionTLS12), tlsMinVersion(cfg))
	})

	t.Run("returns TLS 1.2 when explicitly configured", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Server.TLS.MinVersion = config.TLSVersion12
		assert.Equal(t, uint16(tls.VersionTLS12), tlsMinVersion(cfg))
	})
}

func TestServerReload(t *testing.T) {
	t.Run("reloads pipeline configuration", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := newTestServer(t, testServerConfig(mr))

		newCfg := testServerConfig(mr)
		newCfg.Defaults.RateLimit.Enabled = true
		newCfg.Defaults.RateLimit.MaxRequests = 10

		require.NoError(t, srv.Reload(newCfg))
		assert.Equal(t, newCfg, srv.cfg)
	})

	t.Run("reloads TLS certs when TLS is enabled", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := newTestServer(t, testServerConfig(mr))

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		ch, certErr := newCertHolder(certFile, keyFile)
		require.NoError(t, certErr)
		srv.certs = ch
		before, _ := ch.GetCertificate(nil)
		require.NotNil(t, before)

		newCfg := testServerConfig(mr)
		newCfg.Server.TLS.CertFile = certFile
		newCfg.Server.TLS.KeyFile = keyFile

		require.NoError(t, generateSelfSignedCert(certFile, keyFile))
		require.NoError(t, srv.Reload(newCfg))

		after, _ := ch.GetCertificate(nil)
		require.NotNil(t, after)
		assert.NotSame(t, before, after)
	})

	t.Run("keeps old certificate on reload failure", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := newTestServer(t, testServerConfig(mr))

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		ch, certErr := newCertHolder(certFile, keyFile)
		require.NoError(t, certErr)
		srv.certs = ch
		before, _ := ch.GetCertificate(nil)

		newCfg := testServerConfig(mr)
		newCfg.Server.TLS.CertFile = dir + "/missing.crt"
		newCfg.Server.TLS.KeyFile = dir + "/missing.key"

		require.NoError(t, srv.Reload(newCfg))
		after, _ := ch.GetCertificate(nil)
		assert.Same(t, before, after)
	})
}

// generateSelfSignedCert creates a minimal self-signed cert+key for testing.
func generateSelfSignedCert(certFile, keyFile string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, keyPEM, 0o644)
}
