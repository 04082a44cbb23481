// Package main is the entry point for the Camino API gateway, the single
// ingress for the platform's microservices.
//
// The gateway authenticates requests against the configured OIDC provider,
// enforces per-service rate limits and circuit breakers backed by a shared
// Redis, serves an identity-scoped response cache, and relays everything
// else to the statically configured or dynamically registered upstream
// services. Health checks, readiness probes, and Prometheus metrics are
// served on a separate admin listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/observability"
	"github.com/camino-platform/gateway/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gateway %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting gateway", "version", version)

	// Root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Config file watcher for hot-reload of policies, services, and certs.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// The cert files usually live in a Secret volume separate from the
	// config ConfigMap, so they get their own watcher.
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		certWatcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			srv.ReloadCerts, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("TLS cert watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway shut down gracefully")
}
