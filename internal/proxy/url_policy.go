package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BackendURLPolicy controls which dynamically supplied upstream URLs the
// gateway will forward to. Registry registrations are checked against it
// before they are accepted.
type BackendURLPolicy struct {
	// AllowedSchemes restricts the URL scheme. Empty means http and https.
	AllowedSchemes []string
	// DenyPrivateNetworks rejects hosts that are, or resolve to, private,
	// loopback, link-local, or metadata addresses.
	DenyPrivateNetworks bool
	// AllowedHosts is an optional exact-match allowlist. A host on the
	// list is accepted without the private-network check.
	AllowedHosts []string
}

var reservedNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local, includes cloud metadata
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// ValidateBackendURL checks a candidate upstream URL against the policy.
func ValidateBackendURL(u *url.URL, policy BackendURLPolicy) error {
	schemes := policy.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	if !containsFold(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}

	if len(policy.AllowedHosts) > 0 {
		if !containsFold(policy.AllowedHosts, host) {
			return fmt.Errorf("host %q is not in the allowed list", host)
		}
		return nil
	}

	if policy.DenyPrivateNetworks {
		return checkNotPrivate(host)
	}
	return nil
}

// checkNotPrivate rejects hosts in reserved ranges. Hostnames are resolved
// so a name pointing at a private IP cannot slip through; resolution
// failure is treated as a rejection.
func checkNotPrivate(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isReservedIP(ip) {
			return fmt.Errorf("IP %s is in a private/reserved range", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if isReservedIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ip)
		}
	}
	return nil
}

func isReservedIP(ip net.IP) bool {
	for _, n := range reservedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
