// Package site answers which absolute origin this service is reachable at.
package site

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Resolver reports the site origin from configuration. Without a configured
// origin it falls back to the incoming request's host, but only for hosts on
// the allow-list: a Host header is chosen by the caller.
type Resolver struct {
	origin  string
	allowed []string
}

// NewResolver builds a Resolver for a configured domain or origin. When
// configured is empty the origin is derived per request for allowedHosts.
// An entry starting with "." also allows every subdomain.
func NewResolver(configured string, allowedHosts ...string) *Resolver {
	allowed := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.Trim(strings.TrimSpace(h), "[]")); h != "" {
			allowed = append(allowed, h)
		}
	}
	return &Resolver{origin: NormalizeOrigin(configured), allowed: allowed}
}

// Origin implements linkback.SiteResolver.
func (s *Resolver) Origin(r *http.Request) string {
	if s == nil {
		return ""
	}
	if s.origin != "" {
		return s.origin
	}
	if r == nil || r.Host == "" || !s.allows(r.Host) {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return NormalizeOrigin(scheme + "://" + r.Host)
}

func (s *Resolver) allows(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	for _, pattern := range s.allowed {
		if host == pattern {
			return true
		}
		if strings.HasPrefix(pattern, ".") && (host == pattern[1:] || strings.HasSuffix(host, pattern)) {
			return true
		}
	}
	return false
}

// NormalizeOrigin turns a domain or URL into "scheme://host". A value
// without an http or https scheme is treated as a bare host served over
// http. Path, query, and fragment are dropped.
func NormalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(lower, "://") {
			return ""
		}
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + stripDefaultPort(scheme, strings.ToLower(u.Host))
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// stripDefaultPort drops an explicit port equal to the scheme's default.
func stripDefaultPort(scheme, host string) string {
	if h, port, err := net.SplitHostPort(host); err == nil && port == defaultPorts[scheme] {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// Under reports whether uri is an absolute URI on origin.
func Under(origin, uri string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return false
	}
	return NormalizeOrigin(u.Scheme+"://"+u.Host) == origin
}

// Join resolves path against origin. It returns "" when origin is unknown.
func Join(origin, path string) string {
	if origin == "" {
		return ""
	}
	base, err := url.Parse(origin + "/")
	if err != nil {
		return ""
	}
	ref, err := url.Parse(path)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
