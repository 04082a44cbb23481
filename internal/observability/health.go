package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe responses are pre-serialized; a probe handler must never fail
// on encoding.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","redis":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger checks connectivity to a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// deepPingTimeout caps how long a deep readiness probe may hold the
// kubelet's HTTP connection while Redis is unresponsive.
const deepPingTimeout = 2 * time.Second

// HealthChecker backs the admin server's startup, liveness, and
// readiness probes. The gateway flips it ready once the pipeline is
// serving and not-ready at the start of a graceful drain, so the
// load balancer stops routing before in-flight requests finish.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu    sync.RWMutex
	store Pinger // shared Redis store; nil until the pipeline registers it
}

// NewHealthChecker creates a health checker in the not-started,
// not-ready state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks startup as complete. The startup probe gates the
// kubelet's liveness and readiness probing on this.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted reports whether startup has completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the gateway as ready for traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the gateway as draining.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady reports whether the gateway accepts traffic.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetRedisPinger registers the shared store for deep readiness checks.
// Pass nil to clear it.
func (h *HealthChecker) SetRedisPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = p
}

// StartzHandler serves the startup probe: 200 once startup completed,
// 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write(jsonNotStarted)
	}
}

// HealthzHandler serves the liveness probe: 200 whenever the process
// can answer, even while draining.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler serves the readiness probe: 200 when ready, 503 when
// draining. With ?deep=1 (or deep=true) and a registered store pinger
// it also PINGs Redis, so an instance whose shared store is gone stops
// receiving traffic that its fail-closed stages would reject anyway.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if deep := r.URL.Query().Get("deep"); deep == "1" || deep == "true" {
			h.mu.RLock()
			store := h.store
			h.mu.RUnlock()

			if store != nil {
				ctx, cancel := context.WithTimeout(r.Context(), deepPingTimeout)
				defer cancel()
				if err := store.Ping(ctx); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write(jsonDeepFail)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonDeepOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}
