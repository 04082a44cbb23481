// Package ratelimit implements distributed fixed-window rate limiting
// using Redis with a Lua script for atomicity. Counters are bucketed by
// service, identity, and window start, so every gateway instance sharing
// the store enforces the same limit.
//
// Fixed windows admit up to 2x the limit across a window edge (a burst at
// the end of one window plus a burst at the start of the next). That
// trade-off is accepted for the single-roundtrip cost per request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/redis"
)

// fixedWindowLua atomically increments the window counter and stamps its
// TTL on first touch. The key already encodes the window start, so an
// expired or rolled-over window is simply a fresh key.
//
// Keys: KEYS[1] = rl:<service>:<identity>:<window_start>.
// Args: ARGV[1] = window length in seconds.
// Returns the counter value after the increment.
const fixedWindowLua = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return current
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis
// expects for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// Result holds the parsed result of a rate-limit check.
type Result struct {
	Allowed    bool
	Current    int64         // counter value after this request
	Limit      int64         // configured max requests per window
	Remaining  int64         // requests left in the current window
	RetryAfter time.Duration // time until the window rolls over
}

// Limiter performs fixed-window rate limiting against Redis.
type Limiter struct {
	client redis.Client
	logger *slog.Logger
	src    string // Lua source text (for EVAL fallback)
	hash   string // SHA1 hex digest (for EVALSHA)

	// now is swappable for window-edge tests.
	now func() time.Time
}

// NewLimiter creates a Redis-backed fixed-window limiter. The client is
// shared with the other pipeline stages and is not closed by the limiter.
func NewLimiter(client redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger,
		src:    fixedWindowLua,
		hash:   fixedWindowScript.Hash(),
		now:    time.Now,
	}
}

// Key returns the counter key for a service, identity, and window start.
func Key(service, identity string, windowStart int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", service, identity, windowStart)
}

// Allow counts this request against the identity's current window and
// reports whether it is within the policy's limit. Rejected requests have
// already been counted; there is no decrement on denial.
//
// An error means the shared store could not be consulted. Callers treat
// that as fail-closed.
func (l *Limiter) Allow(ctx context.Context, service, identity string, pol config.RateLimitPolicy) (*Result, error) {
	now := l.now().Unix()
	windowStart := now - now%pol.WindowSeconds

	key := Key(service, identity, windowStart)
	current, err := l.evalScript(ctx, []string{key}, pol.WindowSeconds)
	if err != nil {
		return nil, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	remaining := pol.MaxRequests - current
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:    current <= pol.MaxRequests,
		Current:    current,
		Limit:      pol.MaxRequests,
		Remaining:  remaining,
		RetryAfter: time.Duration(windowStart+pol.WindowSeconds-now) * time.Second,
	}, nil
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids re-sending the Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (int64, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return 0, cmd.Err()
	}
	return toInt64(cmd.Val())
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
