package config

import "strings"

// RateLimitKey selects the identity a rate-limit counter is keyed by.
type RateLimitKey string

const (
	RateLimitKeySubject       RateLimitKey = "subject"
	RateLimitKeyCorrelationID RateLimitKey = "correlation_id"
)

func (k RateLimitKey) Valid() bool {
	switch k {
	case RateLimitKeySubject, RateLimitKeyCorrelationID:
		return true
	}
	return false
}

// Policy is the fully-populated, per-service effective policy. A Policy is
// always complete: Apply merges an override field-by-field onto a base, and
// an absent override field inherits the base value — it never disables it.
type Policy struct {
	Auth            AuthPolicy            `yaml:"auth"`
	RateLimit       RateLimitPolicy       `yaml:"rate_limit"`
	Cache           CachePolicy           `yaml:"cache"`
	CircuitBreaker  CircuitBreakerPolicy  `yaml:"circuit_breaker"`
	SecurityHeaders SecurityHeadersPolicy `yaml:"security_headers"`
	Observability   ObservabilityPolicy   `yaml:"observability"`
}

// PolicyOverride is a sparse per-service delta. Every field is optional;
// nil means "inherit the default". Each policy domain is merged
// independently, so a service can override only its rate limit without
// touching auth.
type PolicyOverride struct {
	Auth            *AuthPolicyOverride            `yaml:"auth"`
	RateLimit       *RateLimitPolicyOverride       `yaml:"rate_limit"`
	Cache           *CachePolicyOverride           `yaml:"cache"`
	CircuitBreaker  *CircuitBreakerPolicyOverride  `yaml:"circuit_breaker"`
	SecurityHeaders *SecurityHeadersPolicyOverride `yaml:"security_headers"`
	Observability   *ObservabilityPolicyOverride   `yaml:"observability"`
}

// Apply merges an override onto this policy and returns the effective
// policy. The receiver is not modified.
func (p Policy) Apply(o PolicyOverride) Policy {
	return Policy{
		Auth:            p.Auth.apply(o.Auth),
		RateLimit:       p.RateLimit.apply(o.RateLimit),
		Cache:           p.Cache.apply(o.Cache),
		CircuitBreaker:  p.CircuitBreaker.apply(o.CircuitBreaker),
		SecurityHeaders: p.SecurityHeaders.apply(o.SecurityHeaders),
		Observability:   p.Observability.apply(o.Observability),
	}
}

// AuthPolicy controls OIDC/JWT verification for a service.
type AuthPolicy struct {
	Enabled          bool     `yaml:"enabled"`
	OIDCURL          string   `yaml:"oidc_url"`
	RequiredIssuer   string   `yaml:"required_issuer"`   // empty = any issuer
	RequiredAudience string   `yaml:"required_audience"` // empty = any audience
	RequiredScopes   []string `yaml:"required_scopes"`
	RequiredRoles    []string `yaml:"required_roles"`
}

type AuthPolicyOverride struct {
	Enabled          *bool     `yaml:"enabled"`
	OIDCURL          *string   `yaml:"oidc_url"`
	RequiredIssuer   *string   `yaml:"required_issuer"`
	RequiredAudience *string   `yaml:"required_audience"`
	RequiredScopes   *[]string `yaml:"required_scopes"`
	RequiredRoles    *[]string `yaml:"required_roles"`
}

func (p AuthPolicy) apply(o *AuthPolicyOverride) AuthPolicy {
	if o == nil {
		return p
	}
	out := p
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.OIDCURL != nil {
		out.OIDCURL = *o.OIDCURL
	}
	if o.RequiredIssuer != nil {
		out.RequiredIssuer = *o.RequiredIssuer
	}
	if o.RequiredAudience != nil {
		out.RequiredAudience = *o.RequiredAudience
	}
	if o.RequiredScopes != nil {
		out.RequiredScopes = *o.RequiredScopes
	}
	if o.RequiredRoles != nil {
		out.RequiredRoles = *o.RequiredRoles
	}
	return out
}

// RateLimitPolicy controls the fixed-window limiter for a service.
type RateLimitPolicy struct {
	Enabled       bool         `yaml:"enabled"`
	WindowSeconds int64        `yaml:"window_seconds"`
	MaxRequests   int64        `yaml:"max_requests"`
	Key           RateLimitKey `yaml:"key"`
}

type RateLimitPolicyOverride struct {
	Enabled       *bool         `yaml:"enabled"`
	WindowSeconds *int64        `yaml:"window_seconds"`
	MaxRequests   *int64        `yaml:"max_requests"`
	Key           *RateLimitKey `yaml:"key"`
}

func (p RateLimitPolicy) apply(o *RateLimitPolicyOverride) RateLimitPolicy {
	if o == nil {
		return p
	}
	out := p
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.WindowSeconds != nil {
		out.WindowSeconds = *o.WindowSeconds
	}
	if o.MaxRequests != nil {
		out.MaxRequests = *o.MaxRequests
	}
	if o.Key != nil {
		out.Key = *o.Key
	}
	return out
}

// CachePolicy controls the identity-scoped response cache for a service.
type CachePolicy struct {
	Enabled      bool     `yaml:"enabled"`
	TTLSeconds   int64    `yaml:"ttl_seconds"`
	Methods      []string `yaml:"methods"`
	VaryHeaders  []string `yaml:"vary_headers"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

type CachePolicyOverride struct {
	Enabled      *bool     `yaml:"enabled"`
	TTLSeconds   *int64    `yaml:"ttl_seconds"`
	Methods      *[]string `yaml:"methods"`
	VaryHeaders  *[]string `yaml:"vary_headers"`
	MaxBodyBytes *int64    `yaml:"max_body_bytes"`
}

func (p CachePolicy) apply(o *CachePolicyOverride) CachePolicy {
	if o == nil {
		return p
	}
	out := p
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.TTLSeconds != nil {
		out.TTLSeconds = *o.TTLSeconds
	}
	if o.Methods != nil {
		out.Methods = *o.Methods
	}
	if o.VaryHeaders != nil {
		out.VaryHeaders = *o.VaryHeaders
	}
	if o.MaxBodyBytes != nil {
		out.MaxBodyBytes = *o.MaxBodyBytes
	}
	return out
}

// AllowsMethod reports whether the cache policy covers the given HTTP method.
func (p CachePolicy) AllowsMethod(method string) bool {
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// CircuitBreakerPolicy controls the per-service breaker.
type CircuitBreakerPolicy struct {
	Enabled          bool  `yaml:"enabled"`
	FailureThreshold int64 `yaml:"failure_threshold"`
	OpenSeconds      int64 `yaml:"open_seconds"`
	HalfOpenMax      int64 `yaml:"half_open_max"`
}

type CircuitBreakerPolicyOverride struct {
	Enabled          *bool  `yaml:"enabled"`
	FailureThreshold *int64 `yaml:"failure_threshold"`
	OpenSeconds      *int64 `yaml:"open_seconds"`
	HalfOpenMax      *int64 `yaml:"half_open_max"`
}

func (p CircuitBreakerPolicy) apply(o *CircuitBreakerPolicyOverride) CircuitBreakerPolicy {
	if o == nil {
		return p
	}
	out := p
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.FailureThreshold != nil {
		out.FailureThreshold = *o.FailureThreshold
	}
	if o.OpenSeconds != nil {
		out.OpenSeconds = *o.OpenSeconds
	}
	if o.HalfOpenMax != nil {
		out.HalfOpenMax = *o.HalfOpenMax
	}
	return out
}

// SecurityHeadersPolicy controls CORS and hardening headers stamped on
// every outbound response, including error short-circuits.
type SecurityHeadersPolicy struct {
	Enabled              bool   `yaml:"enabled"`
	CORSAllowOrigin      string `yaml:"cors_allow_origin"`
	CORSAllowMethods     string `yaml:"cors_allow_methods"`
	CORSAllowHeaders     string `yaml:"cors_allow_headers"`
	CORSAllowCredentials bool   `yaml:"cors_allow_credentials"`
	HSTSSeconds          int64  `yaml:"hsts_seconds"`
}

type SecurityHeadersPolicyOverride struct {
	Enabled              *bool   `yaml:"enabled"`
	CORSAllowOrigin      *string `yaml:"cors_allow_origin"`
	CORSAllowMethods     *string `yaml:"cors_allow_methods"`
	CORSAllowHeaders     *string `yaml:"cors_allow_headers"`
	CORSAllowCredentials *bool   `yaml:"cors_allow_credentials"`
	HSTSSeconds          *int64  `yaml:"hsts_seconds"`
}

func (p SecurityHeadersPolicy) apply(o *SecurityHeadersPolicyOverride) SecurityHeadersPolicy {
	if o == nil {
		return p
	}
	out := p
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.CORSAllowOrigin != nil {
		out.CORSAllowOrigin = *o.CORSAllowOrigin
	}
	if o.CORSAllowMethods != nil {
		out.CORSAllowMethods = *o.CORSAllowMethods
	}
	if o.CORSAllowHeaders != nil {
		out.CORSAllowHeaders = *o.CORSAllowHeaders
	}
	if o.CORSAllowCredentials != nil {
		out.CORSAllowCredentials = *o.CORSAllowCredentials
	}
	if o.HSTSSeconds != nil {
		out.HSTSSeconds = *o.HSTSSeconds
	}
	return out
}

// ObservabilityPolicy controls per-service request logging.
type ObservabilityPolicy struct {
	Enabled    bool `yaml:"enabled"`
	LogHeaders bool `yaml:"log_headers"`
}

type ObservabilityPolicyOverride struct {
	Enabled    *bool `yaml:"enabled"`
	LogHeaders *bool `yaml:"log_headers"`
}

func (p ObservabilityPolicy) apply(o *ObservabilityPolicyOverride) ObservabilityPolicy {
	if o == nil {
		return p
	}
	out := p
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.LogHeaders != nil {
		out.LogHeaders = *o.LogHeaders
	}
	return out
}

// DefaultPolicy returns the fully-populated global default policy. Every
// field a YAML document omits takes these values.
func DefaultPolicy() Policy {
	return Policy{
		Auth: AuthPolicy{
			Enabled: true,
			OIDCURL: "https://accounts.google.com",
		},
		RateLimit: RateLimitPolicy{
			Enabled:       false,
			WindowSeconds: 60,
			MaxRequests:   120,
			Key:           RateLimitKeySubject,
		},
		Cache: CachePolicy{
			Enabled:      false,
			TTLSeconds:   15,
			Methods:      []string{"GET"},
			MaxBodyBytes: 262144,
		},
		CircuitBreaker: CircuitBreakerPolicy{
			Enabled:          false,
			FailureThreshold: 5,
			OpenSeconds:      15,
			HalfOpenMax:      1,
		},
		SecurityHeaders: SecurityHeadersPolicy{
			Enabled:          true,
			CORSAllowOrigin:  "*",
			CORSAllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
			CORSAllowHeaders: "authorization,content-type,x-correlation-id,x-trace-id",
		},
		Observability: ObservabilityPolicy{
			Enabled: true,
		},
	}
}
