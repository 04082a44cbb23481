package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

const (
	discoveryPath = "/.well-known/openid-configuration"

	// maxDocumentSize bounds discovery and JWKS response bodies.
	maxDocumentSize = 1 << 20
)

// discoveryDocument is the subset of the OIDC provider metadata the gateway
// needs.
type discoveryDocument struct {
	JWKSURI string `json:"jwks_uri"`
}

// jwksDocument mirrors the RFC 7517 key set shape. Only RSA signature keys
// are retained after parsing.
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keySet holds the parsed RSA public keys of one provider, keyed by kid.
type keySet struct {
	keys map[string]*rsa.PublicKey
}

func (s *keySet) key(kid string) (*rsa.PublicKey, bool) {
	k, ok := s.keys[kid]
	return k, ok
}

// DiscoveryKey is the Redis key caching the JWKS URI discovered for an OIDC
// provider.
func DiscoveryKey(oidcURL string) string {
	return "jwks:" + oidcURL
}

// keySet returns the provider's parsed key set, fetching it on a cache miss.
func (v *Verifier) keySet(ctx context.Context, oidcURL string) (*keySet, error) {
	if set, ok := v.keys.Get(oidcURL); ok {
		return set, nil
	}
	return v.refreshKeySet(ctx, oidcURL)
}

// refreshKeySet fetches and parses the provider's JWKS. Concurrent refreshes
// for the same provider collapse into a single fetch.
func (v *Verifier) refreshKeySet(ctx context.Context, oidcURL string) (*keySet, error) {
	set, err, _ := v.group.Do(oidcURL, func() (any, error) {
		uri, err := v.jwksURI(ctx, oidcURL)
		if err != nil {
			return nil, err
		}
		doc, err := v.fetchJWKS(ctx, uri)
		if err != nil {
			return nil, err
		}
		parsed, err := parseKeySet(doc)
		if err != nil {
			return nil, err
		}
		v.keys.SetWithTTL(oidcURL, parsed, 1, keySetTTL)
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}
	return set.(*keySet), nil
}

// jwksURI resolves the provider's JWKS endpoint via OIDC discovery. The
// discovered URI is shared across gateway replicas through Redis so a
// provider is not re-discovered on every cold start.
func (v *Verifier) jwksURI(ctx context.Context, oidcURL string) (string, error) {
	cacheKey := DiscoveryKey(oidcURL)
	if uri, err := v.store.Get(ctx, cacheKey).Result(); err == nil && uri != "" {
		return uri, nil
	}

	endpoint := strings.TrimSuffix(oidcURL, "/") + discoveryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("discovery request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}

	// Best effort: verification proceeds even when the shared cache is down.
	if err := v.store.Set(ctx, cacheKey, doc.JWKSURI, discoveryTTL).Err(); err != nil {
		v.logger.Warn("caching jwks uri failed", "oidc_url", oidcURL, "error", err)
	}
	return doc.JWKSURI, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context, uri string) (*jwksDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return &doc, nil
}

// parseKeySet extracts the usable RSA signature keys from a JWKS document.
// Keys without a kid, non-RSA keys, and encryption keys are skipped.
func parseKeySet(doc *jwksDocument) (*keySet, error) {
	set := &keySet{keys: make(map[string]*rsa.PublicKey, len(doc.Keys))}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			continue
		}
		set.keys[k.Kid] = pub
	}
	if len(set.keys) == 0 {
		return nil, errors.New("jwks contains no usable RSA keys")
	}
	return set, nil
}

// parseRSAKey builds an RSA public key from base64url modulus and exponent.
func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(n, "="))
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(e, "="))
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
