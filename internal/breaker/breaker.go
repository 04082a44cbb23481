// Package breaker implements a per-service circuit breaker whose state
// lives in Redis, so every gateway instance sharing the store sees the
// same view of an unhealthy upstream.
//
// The breaker is three-state: closed (normal), open (short-circuit all
// requests until the open interval elapses), and half_open (admit exactly
// one probe request at a time, gated by a short-lived SET NX lock). A 5xx
// from the upstream counts as a failure; anything else closes the breaker
// and clears the failure count.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/redis"
)

// State is the persisted breaker state for a service.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// probeTTL bounds how long a half-open probe slot stays claimed when the
// probing request never reports back (instance crash, dropped conn).
const probeTTL = 5 * time.Second

// Decision is the outcome of a precheck.
type Decision struct {
	Allow bool
	State State

	// Probe marks the single request admitted through a half-open breaker.
	Probe bool

	// RetryAfter is the advisory retry interval for denied requests.
	RetryAfter time.Duration
}

// Breaker checks and records upstream health against Redis.
type Breaker struct {
	client redis.Client
	logger *slog.Logger

	// OnOpen and OnClose fire on state transitions observed by this
	// instance. Optional; nil hooks are skipped.
	OnOpen  func(service string)
	OnClose func(service string)

	// now is swappable for open-interval tests.
	now func() time.Time
}

// New creates a breaker on the shared Redis client. The client's
// lifecycle is owned by the caller.
func New(client redis.Client, logger *slog.Logger) *Breaker {
	return &Breaker{client: client, logger: logger, now: time.Now}
}

func stateKey(service string) string    { return "cb:" + service + ":state" }
func openedAtKey(service string) string { return "cb:" + service + ":opened_at" }
func failuresKey(service string) string { return "cb:" + service + ":failures" }
func probeKey(service string) string    { return "cb:" + service + ":probe" }

// Precheck decides whether a request to service may proceed. An absent
// state key means closed. An error means the shared store could not be
// consulted; callers treat that as fail-closed.
func (b *Breaker) Precheck(ctx context.Context, service string, pol config.CircuitBreakerPolicy) (*Decision, error) {
	state, err := b.state(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("breaker precheck for %s: %w", service, err)
	}

	switch state {
	case StateClosed:
		return &Decision{Allow: true, State: StateClosed}, nil

	case StateOpen:
		openedAt, err := b.openedAt(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("breaker precheck for %s: %w", service, err)
		}
		openFor := time.Duration(pol.OpenSeconds) * time.Second
		if b.now().Unix() < openedAt+pol.OpenSeconds {
			return &Decision{State: StateOpen, RetryAfter: openFor}, nil
		}
		// Open interval elapsed: move to half_open and contend for the
		// probe slot like any other half-open request.
		if err := b.client.Set(ctx, stateKey(service), string(StateHalfOpen), 0).Err(); err != nil {
			return nil, fmt.Errorf("breaker half-open transition for %s: %w", service, err)
		}
		if err := b.client.Del(ctx, probeKey(service)).Err(); err != nil {
			return nil, fmt.Errorf("breaker half-open transition for %s: %w", service, err)
		}
		b.logger.Info("circuit breaker half-open", "service", service)
		fallthrough

	case StateHalfOpen:
		acquired, err := b.client.SetNX(ctx, probeKey(service), "1", probeTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("breaker probe lock for %s: %w", service, err)
		}
		if !acquired {
			// The probe slot frees when its lock expires, not after a
			// full open interval.
			return &Decision{State: StateHalfOpen, RetryAfter: probeTTL}, nil
		}
		return &Decision{Allow: true, State: StateHalfOpen, Probe: true}, nil

	default:
		// Unrecognized persisted state; treat as closed rather than
		// wedge the service.
		b.logger.Warn("unknown circuit breaker state, treating as closed",
			"service", service, "state", string(state))
		return &Decision{Allow: true, State: StateClosed}, nil
	}
}

// Record feeds the upstream response status back into the breaker. A 5xx
// is a failure; anything else is a success that closes the breaker.
// Record is best-effort from the caller's perspective: the response has
// already been produced, so errors are returned for logging only.
func (b *Breaker) Record(ctx context.Context, service string, status int, pol config.CircuitBreakerPolicy) error {
	if status >= 500 {
		return b.recordFailure(ctx, service, pol)
	}
	return b.recordSuccess(ctx, service)
}

func (b *Breaker) recordFailure(ctx context.Context, service string, pol config.CircuitBreakerPolicy) error {
	state, err := b.state(ctx, service)
	if err != nil {
		return fmt.Errorf("breaker record for %s: %w", service, err)
	}

	// A failed probe re-opens for a fresh interval.
	if state == StateHalfOpen {
		return b.open(ctx, service)
	}

	failures, err := b.client.Incr(ctx, failuresKey(service)).Result()
	if err != nil {
		return fmt.Errorf("breaker record for %s: %w", service, err)
	}
	if failures >= pol.FailureThreshold {
		return b.open(ctx, service)
	}
	return nil
}

func (b *Breaker) recordSuccess(ctx context.Context, service string) error {
	wasOpen, err := b.state(ctx, service)
	if err != nil {
		return fmt.Errorf("breaker record for %s: %w", service, err)
	}
	if err := b.client.Del(ctx, failuresKey(service), openedAtKey(service), probeKey(service)).Err(); err != nil {
		return fmt.Errorf("breaker record for %s: %w", service, err)
	}
	if err := b.client.Set(ctx, stateKey(service), string(StateClosed), 0).Err(); err != nil {
		return fmt.Errorf("breaker record for %s: %w", service, err)
	}
	if wasOpen != StateClosed {
		b.logger.Info("circuit breaker closed", "service", service)
		if b.OnClose != nil {
			b.OnClose(service)
		}
	}
	return nil
}

func (b *Breaker) open(ctx context.Context, service string) error {
	now := b.now().Unix()
	if err := b.client.Set(ctx, stateKey(service), string(StateOpen), 0).Err(); err != nil {
		return fmt.Errorf("breaker open for %s: %w", service, err)
	}
	if err := b.client.Set(ctx, openedAtKey(service), now, 0).Err(); err != nil {
		return fmt.Errorf("breaker open for %s: %w", service, err)
	}
	if err := b.client.Del(ctx, failuresKey(service), probeKey(service)).Err(); err != nil {
		return fmt.Errorf("breaker open for %s: %w", service, err)
	}
	b.logger.Warn("circuit breaker opened", "service", service)
	if b.OnOpen != nil {
		b.OnOpen(service)
	}
	return nil
}

// state reads the persisted state, mapping an absent key to closed.
func (b *Breaker) state(ctx context.Context, service string) (State, error) {
	v, err := b.client.Get(ctx, stateKey(service)).Result()
	if err == goredis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return "", err
	}
	return State(v), nil
}

// openedAt reads the open timestamp, mapping an absent key to zero (the
// epoch, so a stray open state without a timestamp falls through to
// half_open immediately).
func (b *Breaker) openedAt(ctx context.Context, service string) (int64, error) {
	v, err := b.client.Get(ctx, openedAtKey(service)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
