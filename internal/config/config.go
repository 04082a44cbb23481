// Package config handles loading and validation of gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GATEWAY_ prefix:
//
//	server.address → GATEWAY_SERVER_ADDRESS
//	redis.endpoints → GATEWAY_REDIS_ENDPOINTS
//
// Per-service policy overrides are YAML-only; env vars cover the scalar
// sections and the global defaults.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GATEWAY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gateway/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Config structs
// ---------------------------------------------------------------------------

// Config is the root gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Redis    RedisConfig    `yaml:"redis"    envPrefix:"REDIS_"`
	Events   EventsConfig   `yaml:"events"   envPrefix:"EVENTS_"`
	Logging  LoggingConfig  `yaml:"logging"  envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing"  envPrefix:"TRACING_"`

	// Defaults is the global policy applied to every service that has no
	// override for a given domain. YAML-only.
	Defaults Policy `yaml:"defaults"`

	// Services maps a service name (the first /api path segment) to its
	// upstream URL and sparse policy override. YAML-only.
	Services map[string]ServiceConfig `yaml:"services"`
}

// ServiceConfig declares a statically-configured upstream service.
type ServiceConfig struct {
	URL    string         `yaml:"url"`
	Policy PolicyOverride `yaml:"policy"`
}

// ServerConfig holds main HTTP listener settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
}

// ServerTLSConfig holds main listener TLS settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds admin/metrics listener settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamConfig holds settings for the shared upstream HTTP transport.
type UpstreamConfig struct {
	Timeout            string `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns       int    `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout    string `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	DialTimeout        string `yaml:"dial_timeout"             env:"DIAL_TIMEOUT"`
	TLSInsecureVerify  bool   `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	MaxRequestBodySize int64  `yaml:"max_request_body_size"    env:"MAX_REQUEST_BODY_SIZE"` // bytes; 0=unlimited
}

// RedisConfig holds Redis connection and topology settings. The gateway
// uses a single Redis for rate-limit counters, breaker state, the response
// cache, the JWKS URI cache, and the dynamic service registry.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds settings for the async decision-event emitter.
type EventsConfig struct {
	Enabled    bool   `yaml:"enabled"     env:"ENABLED"`
	Channel    string `yaml:"channel"     env:"CHANNEL"`
	BufferSize int    `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "60s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			Timeout:            "30s",
			MaxIdleConns:       100,
			IdleConnTimeout:    "90s",
			DialTimeout:        "10s",
			MaxRequestBodySize: 10 << 20, // 10 MiB
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Events: EventsConfig{
			Channel:    "gateway:events",
			BufferSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "gateway",
			SampleRate:  0.1,
		},
		Defaults: DefaultPolicy(),
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GATEWAY_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/gateway/config.yaml and
// can be overridden via GATEWAY_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEWAY_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Subject"
// or env values like "SINGLE" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))

	cfg.Defaults.RateLimit.Key = RateLimitKey(strings.ToLower(string(cfg.Defaults.RateLimit.Key)))
	for name, svc := range cfg.Services {
		if svc.Policy.RateLimit != nil && svc.Policy.RateLimit.Key != nil {
			k := RateLimitKey(strings.ToLower(string(*svc.Policy.RateLimit.Key)))
			*svc.Policy.RateLimit.Key = k
		}
		cfg.Services[name] = svc
	}
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateTracing(cfg); err != nil {
		return err
	}
	if err := validatePolicy("defaults", cfg.Defaults); err != nil {
		return err
	}
	return validateServices(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.dial_timeout", cfg.Upstream.DialTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func validatePolicy(prefix string, p Policy) error {
	if p.Auth.Enabled && p.Auth.OIDCURL == "" {
		return fmt.Errorf("%s.auth.oidc_url is required when auth is enabled", prefix)
	}
	if p.Auth.OIDCURL != "" {
		if _, err := normalizeURL(p.Auth.OIDCURL); err != nil {
			return fmt.Errorf("invalid %s.auth.oidc_url %q: %w", prefix, p.Auth.OIDCURL, err)
		}
	}
	if !p.RateLimit.Key.Valid() {
		return fmt.Errorf("invalid %s.rate_limit.key %q: must be subject or correlation_id", prefix, p.RateLimit.Key)
	}
	if p.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("%s.rate_limit.window_seconds must be >= 1", prefix)
	}
	if p.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("%s.rate_limit.max_requests must be >= 1", prefix)
	}
	if p.Cache.TTLSeconds < 1 {
		return fmt.Errorf("%s.cache.ttl_seconds must be >= 1", prefix)
	}
	if p.Cache.MaxBodyBytes < 0 {
		return fmt.Errorf("%s.cache.max_body_bytes must be >= 0", prefix)
	}
	if p.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("%s.circuit_breaker.failure_threshold must be >= 1", prefix)
	}
	if p.CircuitBreaker.OpenSeconds < 1 {
		return fmt.Errorf("%s.circuit_breaker.open_seconds must be >= 1", prefix)
	}
	if p.CircuitBreaker.HalfOpenMax < 1 {
		return fmt.Errorf("%s.circuit_breaker.half_open_max must be >= 1", prefix)
	}
	if p.SecurityHeaders.HSTSSeconds < 0 {
		return fmt.Errorf("%s.security_headers.hsts_seconds must be >= 0", prefix)
	}
	return nil
}

func validateServices(cfg *Config) error {
	for name, svc := range cfg.Services {
		if name == "" {
			return fmt.Errorf("services: service name must not be empty")
		}
		if strings.ContainsAny(name, "/ ") {
			return fmt.Errorf("services.%s: name must not contain slashes or spaces", name)
		}
		if svc.URL != "" {
			normalized, err := normalizeURL(svc.URL)
			if err != nil {
				return fmt.Errorf("invalid services.%s.url %q: %w", name, svc.URL, err)
			}
			svc.URL = normalized
			cfg.Services[name] = svc
		}
		// The effective policy must validate after the override is applied;
		// a sparse override can otherwise smuggle in a zero window.
		if err := validatePolicy("services."+name, cfg.Defaults.Apply(svc.Policy)); err != nil {
			return err
		}
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http, 443 for https).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

// ServicePolicy returns the effective policy for a named service: the
// global defaults with the service's override applied. Unknown services
// get the bare defaults.
func (c *Config) ServicePolicy(name string) Policy {
	if svc, ok := c.Services[name]; ok {
		return c.Defaults.Apply(svc.Policy)
	}
	return c.Defaults
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
