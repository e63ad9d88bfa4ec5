package httptask

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidator guards outbound service task calls against SSRF: only
// http/https schemes, no loopback/private/link-local targets, no file
// access patterns in path or query.
type URLValidator struct {
	allowPrivateHosts bool
}

// NewURLValidator creates a validator. allowPrivateHosts disables the
// host checks for deployments that call services on internal networks.
func NewURLValidator(allowPrivateHosts bool) *URLValidator {
	return &URLValidator{allowPrivateHosts: allowPrivateHosts}
}

var blockedHostnames = map[string]struct{}{
	"localhost":          {},
	"127.0.0.1":          {},
	"::1":                {},
	"0.0.0.0":            {},
	"::":                 {},
	"::ffff:127.0.0.1":   {},
	"[::1]":              {},
	"[::ffff:127.0.0.1]": {},
}

var blockedPathPatterns = []string{
	"file://",
	"../",
	"..\\",
	"/etc/",
	"/proc/",
	"/sys/",
	"c:/",
	"c:\\",
	"\\\\.\\pipe\\",
	// URL-encoded traversal
	"%2e%2e/",
	"%2e%2e%2f",
	"..%2f",
	"%2e%2e\\",
	"%2e%2e%5c",
	"..%5c",
}

// Validate checks scheme, host, path, and query of an outbound URL
func (v *URLValidator) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed, only http and https", u.Scheme)
	}

	if !v.allowPrivateHosts {
		if err := v.validateHost(u.Hostname()); err != nil {
			return err
		}
	}

	if err := validatePath(u.Path); err != nil {
		return err
	}
	for key, values := range u.Query() {
		for _, value := range values {
			if err := validatePath(value); err != nil {
				return fmt.Errorf("query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

func (v *URLValidator) validateHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("URL has no host")
	}
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if _, blocked := blockedHostnames[normalized]; blocked {
		return fmt.Errorf("host %q is blocked", hostname)
	}

	// resolution failure is not a verdict; the request itself will fail
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return fmt.Errorf("host %q: %w", hostname, err)
		}
	}
	return nil
}

func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("resolves to loopback address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("resolves to private address %s", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("resolves to link-local address %s", ip)
	case ip.IsMulticast():
		return fmt.Errorf("resolves to multicast address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("resolves to unspecified address %s", ip)
	}
	return nil
}

func validatePath(s string) error {
	normalized := strings.ToLower(s)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("contains blocked pattern %q", pattern)
		}
	}
	return nil
}
