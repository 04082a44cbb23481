// Package registry implements the dynamic service registry. Services
// register themselves at runtime and are resolved by name when no static
// configuration entry exists. Entries live in Redis under service:<name>
// so every gateway replica sees the same registrations.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/camino-platform/gateway/internal/proxy"
	"github.com/camino-platform/gateway/internal/redis"
)

var (
	// ErrInvalidName means the registration's service name is missing or
	// malformed.
	ErrInvalidName = errors.New("invalid service name")

	// ErrInvalidURL means the registration's URL failed the backend URL
	// policy.
	ErrInvalidURL = errors.New("invalid service url")
)

// Service is one registry entry.
type Service struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	HealthCheck  string `json:"health_check,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// Registry stores and resolves dynamic service registrations.
type Registry struct {
	client    redis.Client
	logger    *slog.Logger
	urlPolicy proxy.BackendURLPolicy
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithURLPolicy replaces the backend URL policy applied to registered URLs.
func WithURLPolicy(p proxy.BackendURLPolicy) Option {
	return func(r *Registry) { r.urlPolicy = p }
}

// New creates a registry backed by the given Redis client. The default URL
// policy allows http/https only and permits private addresses, since
// registered upstreams normally live inside the cluster network.
func New(client redis.Client, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		client: client,
		logger: logger.With("component", "registry"),
		urlPolicy: proxy.BackendURLPolicy{
			AllowedSchemes:      []string{"http", "https"},
			DenyPrivateNetworks: false,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Key is the Redis key holding a service's registration.
func Key(name string) string {
	return "service:" + name
}

// Register validates and stores a registration, returning the stored entry
// with its registration timestamp filled in.
func (r *Registry) Register(ctx context.Context, svc Service) (Service, error) {
	svc.Name = strings.TrimSpace(svc.Name)
	if !validName(svc.Name) {
		return Service{}, fmt.Errorf("%w: %q", ErrInvalidName, svc.Name)
	}

	u, err := url.Parse(strings.TrimSpace(svc.URL))
	if err != nil {
		return Service{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if err := proxy.ValidateBackendURL(u, r.urlPolicy); err != nil {
		return Service{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	svc.URL = u.String()
	svc.RegisteredAt = r.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(svc)
	if err != nil {
		return Service{}, fmt.Errorf("marshal registration: %w", err)
	}
	if err := r.client.Set(ctx, Key(svc.Name), data, 0).Err(); err != nil {
		return Service{}, fmt.Errorf("store registration: %w", err)
	}

	r.logger.Info("service registered", "service", svc.Name, "url", svc.URL)
	return svc, nil
}

// Resolve returns the registered upstream URL for a service name. A store
// error or an undecodable entry is a plain miss; the caller falls back to
// its unknown-service handling.
func (r *Registry) Resolve(ctx context.Context, name string) (string, bool) {
	data, err := r.client.Get(ctx, Key(name)).Bytes()
	if err != nil {
		return "", false
	}
	var svc Service
	if err := json.Unmarshal(data, &svc); err != nil {
		r.logger.Debug("undecodable registry entry", "service", name, "error", err)
		return "", false
	}
	return svc.URL, svc.URL != ""
}

// List returns all registrations sorted by name. Undecodable entries are
// skipped.
func (r *Registry) List(ctx context.Context) ([]Service, error) {
	keys, err := r.client.Keys(ctx, Key("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}

	services := make([]Service, 0, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var svc Service
		if err := json.Unmarshal(data, &svc); err != nil {
			r.logger.Debug("undecodable registry entry", "key", key, "error", err)
			continue
		}
		services = append(services, svc)
	}

	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// validName accepts lowercase DNS-label style names, matching the static
// config's service keys.
func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
