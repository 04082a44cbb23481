package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/proxy"
	"github.com/camino-platform/gateway/internal/redis"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	r := New(client, slog.Default())
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r, mr
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and timestamps the entry", func(t *testing.T) {
		r, mr := newTestRegistry(t)
		svc, err := r.Register(ctx, Service{
			Name:        "payments-service",
			URL:         "http://payments.internal:8080",
			HealthCheck: "/health",
		})
		require.NoError(t, err)
		assert.Equal(t, "2024-03-01T12:00:00Z", svc.RegisteredAt)

		stored, err := mr.Get(Key("payments-service"))
		require.NoError(t, err)
		assert.Contains(t, stored, `"name":"payments-service"`)
		assert.Contains(t, stored, `"health_check":"/health"`)
	})

	t.Run("re-registration overwrites", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		_, err := r.Register(ctx, Service{Name: "payments-service", URL: "http://old.internal"})
		require.NoError(t, err)
		_, err = r.Register(ctx, Service{Name: "payments-service", URL: "http://new.internal"})
		require.NoError(t, err)

		u, ok := r.Resolve(ctx, "payments-service")
		require.True(t, ok)
		assert.Equal(t, "http://new.internal", u)
	})

	t.Run("rejects malformed names", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		for _, name := range []string{"", "Has/Slash", "spa ced", "UPPER"} {
			_, err := r.Register(ctx, Service{Name: name, URL: "http://x.internal"})
			assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		}
	})

	t.Run("rejects disallowed schemes", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		_, err := r.Register(ctx, Service{Name: "files", URL: "ftp://files.internal"})
		assert.ErrorIs(t, err, ErrInvalidURL)
	})

	t.Run("url policy can deny private networks", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		WithURLPolicy(proxy.BackendURLPolicy{
			AllowedSchemes:      []string{"https"},
			DenyPrivateNetworks: true,
		})(r)

		_, err := r.Register(ctx, Service{Name: "sneaky", URL: "https://10.0.0.5"})
		assert.ErrorIs(t, err, ErrInvalidURL)
	})

	t.Run("store outage surfaces", func(t *testing.T) {
		r, mr := newTestRegistry(t)
		mr.Close()
		_, err := r.Register(ctx, Service{Name: "payments-service", URL: "http://payments.internal"})
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidName)
		assert.NotErrorIs(t, err, ErrInvalidURL)
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("registered service resolves", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		_, err := r.Register(ctx, Service{Name: "payments-service", URL: "http://payments.internal:8080"})
		require.NoError(t, err)

		u, ok := r.Resolve(ctx, "payments-service")
		require.True(t, ok)
		assert.Equal(t, "http://payments.internal:8080", u)
	})

	t.Run("unknown service misses", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		_, ok := r.Resolve(ctx, "ghost-service")
		assert.False(t, ok)
	})

	t.Run("undecodable entry misses", func(t *testing.T) {
		r, mr := newTestRegistry(t)
		require.NoError(t, mr.Set(Key("broken"), "not json"))
		_, ok := r.Resolve(ctx, "broken")
		assert.False(t, ok)
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()

	t.Run("returns registrations sorted by name", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		for _, name := range []string{"zeta-service", "alpha-service", "mid-service"} {
			_, err := r.Register(ctx, Service{Name: name, URL: "http://" + name + ".internal"})
			require.NoError(t, err)
		}

		services, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, services, 3)
		assert.Equal(t, "alpha-service", services[0].Name)
		assert.Equal(t, "mid-service", services[1].Name)
		assert.Equal(t, "zeta-service", services[2].Name)
	})

	t.Run("skips undecodable entries", func(t *testing.T) {
		r, mr := newTestRegistry(t)
		_, err := r.Register(ctx, Service{Name: "good-service", URL: "http://good.internal"})
		require.NoError(t, err)
		require.NoError(t, mr.Set(Key("broken"), "not json"))

		services, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, "good-service", services[0].Name)
	})

	t.Run("empty registry lists nothing", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		services, err := r.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, services)
	})
}
