// Package auth verifies bearer tokens against the OIDC provider named by a
// service's policy. Verification is stateless: the provider's JWKS document
// supplies the RSA public keys, located through the standard
// /.well-known/openid-configuration endpoint. Discovered JWKS URIs are
// cached in Redis so gateway replicas share them; parsed key sets are cached
// in-process with a short TTL to pick up key rotation.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/redis"
	"github.com/camino-platform/gateway/internal/reqctx"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Verification failures map to 401, policy failures to 403. Callers
// distinguish them with errors.Is.
var (
	// ErrNoToken means the request carried no bearer token at all.
	ErrNoToken = errors.New("missing bearer token")

	// ErrUnauthorized means a token was presented but could not be verified.
	ErrUnauthorized = errors.New("token verification failed")

	// ErrForbidden means a verified token does not satisfy the service
	// policy's issuer, audience, scope, or role requirements.
	ErrForbidden = errors.New("token rejected by policy")
)

const (
	discoveryTTL = time.Hour
	keySetTTL    = 5 * time.Minute
	fetchTimeout = 5 * time.Second
)

// Verifier verifies JWTs issued by the OIDC providers configured in service
// policies. A single Verifier serves all providers; state per provider is
// the discovered JWKS URI (shared via Redis) and the parsed key set
// (in-process).
type Verifier struct {
	httpClient *http.Client
	store      redis.Client
	keys       *ristretto.Cache[string, *keySet]
	group      singleflight.Group
	logger     *slog.Logger
}

// NewVerifier creates a verifier backed by the given Redis client. The
// client is shared with the other gateway stages and is not closed here.
func NewVerifier(store redis.Client, logger *slog.Logger) *Verifier {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *keySet]{
		NumCounters: 1024,
		MaxCost:     256,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &Verifier{
		httpClient: &http.Client{Timeout: fetchTimeout},
		store:      store,
		keys:       cache,
		logger:     logger.With("component", "auth"),
	}
}

// Close releases the in-process key cache.
func (v *Verifier) Close() {
	v.keys.Close()
}

// BearerToken extracts the token from an Authorization header value.
// Returns ErrNoToken for an absent or empty credential and ErrUnauthorized
// for a credential that is not a bearer token.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: authorization header is not a bearer credential", ErrUnauthorized)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Verify checks a bearer token against the policy's OIDC provider and
// returns the authenticated identity. Signature, expiry, and algorithm
// failures wrap ErrUnauthorized; a verified token that fails the policy's
// requirements wraps ErrForbidden.
func (v *Verifier) Verify(ctx context.Context, token string, pol config.AuthPolicy) (*reqctx.AuthContext, error) {
	set, err := v.keySet(ctx, pol.OIDCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	refetched := false
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if key, ok := set.key(kid); ok {
			return key, nil
		}
		// The provider may have rotated keys since the set was cached.
		// Refetch once before rejecting an unknown kid.
		if !refetched {
			refetched = true
			if fresh, ferr := v.refreshKeySet(ctx, pol.OIDCURL); ferr == nil {
				set = fresh
				if key, ok := set.key(kid); ok {
					return key, nil
				}
			}
		}
		return nil, fmt.Errorf("no key for kid %q", kid)
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(token, claims, keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	ac := flattenClaims(claims)
	if err := enforce(ac, pol); err != nil {
		return nil, err
	}
	return ac, nil
}

// enforce checks verified claims against the policy. Requirements are
// checked in a fixed order (issuer, audience, scopes, roles) and the first
// unmet one is reported.
func enforce(ac *reqctx.AuthContext, pol config.AuthPolicy) error {
	if pol.RequiredIssuer != "" && ac.Issuer != pol.RequiredIssuer {
		return fmt.Errorf("%w: issuer %q not accepted", ErrForbidden, ac.Issuer)
	}
	if pol.RequiredAudience != "" && !slices.Contains(ac.Audiences, pol.RequiredAudience) {
		return fmt.Errorf("%w: audience %q not present", ErrForbidden, pol.RequiredAudience)
	}
	for _, s := range pol.RequiredScopes {
		if !slices.Contains(ac.Scopes, s) {
			return fmt.Errorf("%w: missing scope %q", ErrForbidden, s)
		}
	}
	for _, r := range pol.RequiredRoles {
		if !slices.Contains(ac.Roles, r) {
			return fmt.Errorf("%w: missing role %q", ErrForbidden, r)
		}
	}
	return nil
}

// flattenClaims normalizes provider-specific claim shapes into an
// AuthContext. aud may be a string or an array; scopes come from a
// space-delimited "scope" string or an "scp" array; roles from a "roles"
// array or a singular "role".
func flattenClaims(claims jwt.MapClaims) *reqctx.AuthContext {
	ac := &reqctx.AuthContext{Claims: make(map[string]string, len(claims))}
	ac.Subject, _ = claims["sub"].(string)
	ac.Issuer, _ = claims["iss"].(string)
	ac.Audiences = stringList(claims["aud"])

	if s, ok := claims["scope"].(string); ok && s != "" {
		ac.Scopes = strings.Fields(s)
	} else {
		ac.Scopes = stringList(claims["scp"])
	}

	ac.Roles = stringList(claims["roles"])
	if len(ac.Roles) == 0 {
		ac.Roles = stringList(claims["role"])
	}

	for k, val := range claims {
		ac.Claims[k] = stringifyClaim(val)
	}
	return ac
}

// stringList accepts a claim value that is either a single string or an
// array of strings. Non-string array elements are dropped.
func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// stringifyClaim renders a claim value for the flattened x-user-claims
// header. JSON numbers arrive as float64; integral values must not grow a
// trailing ".0".
func stringifyClaim(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
